package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"sqlchat/internal/app"
	"sqlchat/internal/tui"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"
)

const version = "1.0.0"

func loadApplication() (*app.Application, error) {
	cfg, err := app.LoadConfig(app.DefaultConfigPath())
	if err != nil {
		return nil, err
	}
	if v := os.Getenv("SQLCHAT_BASE_URL"); v != "" {
		cfg.BaseURL = v
	}
	if v := os.Getenv("SQLCHAT_SYNC_BASE_URL"); v != "" {
		cfg.SyncBaseURL = v
	}
	return app.NewApplication(cfg)
}

func main() {
	root := &cobra.Command{
		Use:     "sqlchat",
		Short:   "Chat em linguagem natural com seus dados",
		Long:    "sqlchat é um cliente de chat que conversa com um backend de consulta SQL em linguagem natural.\n\nUse sem argumentos para o modo interativo.",
		Version: version,
		RunE: func(cmd *cobra.Command, args []string) error {
			application, err := loadApplication()
			if err != nil {
				return err
			}
			defer application.Close()

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			sigChan := make(chan os.Signal, 1)
			signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
			go func() {
				<-sigChan
				cancel()
			}()

			if err := application.Chat.Load(ctx); err != nil {
				return err
			}

			p := tea.NewProgram(tui.New(application.Chat), tea.WithAltScreen(), tea.WithContext(ctx))
			if _, err := p.Run(); err != nil {
				return err
			}
			return nil
		},
	}

	sessionsCmd := &cobra.Command{
		Use:   "sessions",
		Short: "Lista as sessões salvas",
		RunE: func(cmd *cobra.Command, args []string) error {
			application, err := loadApplication()
			if err != nil {
				return err
			}
			defer application.Close()

			sessions, err := application.Store.ListSessions()
			if err != nil {
				return err
			}
			if len(sessions) == 0 {
				fmt.Println("Nenhuma sessão salva.")
				return nil
			}
			for _, sess := range sessions {
				pin := " "
				if sess.IsPinned {
					pin = "★"
				}
				fmt.Printf("%s %-36s  %-30s  %d mensagens  %s\n",
					pin, sess.ID, sess.Title, len(sess.Messages),
					sess.UpdatedAt.Format("2006-01-02 15:04"))
			}
			return nil
		},
	}
	root.AddCommand(sessionsCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Verifica se o backend está disponível",
		RunE: func(cmd *cobra.Command, args []string) error {
			application, err := loadApplication()
			if err != nil {
				return err
			}
			defer application.Close()

			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()

			if err := application.Client.Status(ctx); err != nil {
				fmt.Printf("Backend indisponível: %s\n", app.FormatUserError(app.AsAgentError(err)))
				os.Exit(1)
			}
			fmt.Printf("Backend disponível em %s\n", application.Config.BaseURL)
			return nil
		},
	}
	root.AddCommand(statusCmd)

	exportCmd := &cobra.Command{
		Use:   "export [session-id]",
		Short: "Exporta uma sessão para um arquivo",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			application, err := loadApplication()
			if err != nil {
				return err
			}
			defer application.Close()

			mapping, err := application.Store.RemoteMapping()
			if err != nil {
				return err
			}
			remoteID, ok := mapping[args[0]]
			if !ok {
				return fmt.Errorf("sessão %s não está sincronizada com o servidor", args[0])
			}

			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()

			data, filename, err := application.Client.ExportSession(ctx, remoteID, exportFormat)
			if err != nil {
				return err
			}
			if exportOutput != "" {
				filename = exportOutput
			}
			if filename == "" {
				filename = fmt.Sprintf("%s.%s", args[0], exportFormat)
			}
			if err := os.WriteFile(filename, data, 0o644); err != nil {
				return err
			}
			fmt.Printf("Sessão exportada para %s\n", filename)
			return nil
		},
	}
	exportCmd.Flags().StringVarP(&exportFormat, "format", "f", "json", "Formato de exportação (json|csv|markdown)")
	exportCmd.Flags().StringVarP(&exportOutput, "output", "o", "", "Arquivo de saída")
	root.AddCommand(exportCmd)

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Mostra a versão",
		Run: func(cmd *cobra.Command, args []string) {
			exe, _ := os.Executable()
			fmt.Printf("sqlchat v%s\n", version)
			fmt.Printf("Instalado em: %s\n", exe)
		},
	}
	root.AddCommand(versionCmd)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var (
	exportFormat string
	exportOutput string
)
