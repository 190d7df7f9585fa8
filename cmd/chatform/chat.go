package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/peterh/liner"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/chatform-dev/chatform"
	"github.com/chatform-dev/chatform/internal/conversation"
	"github.com/chatform-dev/chatform/pkg/form"
)

// formFile is the YAML shape accepted by `chatform chat --form`.
type formFile struct {
	FormID    string `yaml:"form_id"`
	Title     string `yaml:"title"`
	Questions []struct {
		Text    string   `yaml:"text"`
		Type    string   `yaml:"type"`
		Options []string `yaml:"options"`
	} `yaml:"questions"`
}

func newChatCmd(configFile *string) *cobra.Command {
	var formPath string

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Run a survey interactively in the terminal",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configFile)
			if err != nil {
				return err
			}
			// The REPL is a local tool; keep everything in process.
			cfg.Storage = "memory"
			cfg.Server.MetricsPort = 0

			snapshot, err := loadForm(formPath)
			if err != nil {
				return err
			}
			forms := form.NewMemoryProvider()
			forms.Put(snapshot)

			ctx := cmd.Context()
			engine, err := chatform.New(ctx, cfg, chatform.WithFormProvider(forms))
			if err != nil {
				return err
			}
			defer engine.Close()

			start, err := engine.Controller().StartSession(ctx, conversation.StartRequest{
				FormID: snapshot.FormID,
			})
			if err != nil {
				return err
			}
			fmt.Println(start.Greeting)

			line := liner.NewLiner()
			defer line.Close()
			line.SetCtrlCAborts(true)

			for {
				input, err := line.Prompt("> ")
				if err != nil {
					// Ctrl-C or EOF ends the conversation without a transcript entry.
					fmt.Println()
					return nil
				}
				if strings.TrimSpace(input) == "" {
					continue
				}
				line.AppendHistory(input)

				turn := engine.Controller().ProcessTurn(ctx, start.SessionID, input)
				fmt.Println(turn.Reply)
				if turn.Ended {
					return nil
				}
			}
		},
	}

	cmd.Flags().StringVarP(&formPath, "form", "f", "", "form definition YAML (defaults to a built-in demo form)")
	return cmd
}

func loadForm(path string) (*form.Snapshot, error) {
	if path == "" {
		return demoForm(), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read form file: %w", err)
	}
	var f formFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse form file: %w", err)
	}
	if f.FormID == "" {
		f.FormID = "local"
	}

	snapshot := &form.Snapshot{
		FormID: f.FormID,
		Title:  f.Title,
		Active: true,
	}
	for _, q := range f.Questions {
		qt := form.QuestionType(q.Type)
		if qt == "" {
			qt = form.TypeText
		}
		snapshot.Questions = append(snapshot.Questions, form.Question{
			Text:    q.Text,
			Type:    qt,
			Options: q.Options,
			Enabled: true,
		})
	}
	if len(snapshot.Questions) == 0 {
		return nil, fmt.Errorf("form file %s defines no questions", path)
	}
	return snapshot, nil
}

func demoForm() *form.Snapshot {
	return &form.Snapshot{
		FormID: "demo",
		Title:  "a quick feedback survey",
		Active: true,
		Questions: []form.Question{
			{Text: "What brought you here today?", Type: form.TypeText, Enabled: true},
			{Text: "How would you rate your experience so far?", Type: form.TypeRating, Enabled: true},
			{Text: "Would you recommend us to a friend?", Type: form.TypeYesNo, Enabled: true},
		},
	}
}
