package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"

	"github.com/basket/go-relay/internal/config"
	"github.com/basket/go-relay/internal/doctor"
)

func runDoctorCommand(ctx context.Context, args []string) int {
	jsonOutput := false
	for _, arg := range args {
		switch arg {
		case "-json", "--json":
			jsonOutput = true
		default:
			fmt.Fprintln(os.Stderr, "usage: gorelay doctor [-json]")
			return 2
		}
	}

	cfg, err := config.Load()
	if err != nil {
		// Keep going so the config check reports why.
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
	}

	diag := doctor.Run(ctx, &cfg, Version)

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(diag); err != nil {
			fmt.Fprintf(os.Stderr, "Error encoding json: %v\n", err)
			return 1
		}
		return 0
	}

	color := isatty.IsTerminal(os.Stdout.Fd()) || isatty.IsCygwinTerminal(os.Stdout.Fd())
	printDiagnosis(os.Stdout, diag, color)
	if diag.Failed() {
		return 1
	}
	return 0
}

func printDiagnosis(w io.Writer, diag doctor.Diagnosis, color bool) {
	styles := map[string]lipgloss.Style{
		doctor.StatusPass: lipgloss.NewStyle().Foreground(lipgloss.Color("42")),
		doctor.StatusFail: lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true),
		doctor.StatusWarn: lipgloss.NewStyle().Foreground(lipgloss.Color("214")),
		doctor.StatusSkip: lipgloss.NewStyle().Foreground(lipgloss.Color("240")),
	}
	dim := lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	title := lipgloss.NewStyle().Bold(true)
	render := func(s lipgloss.Style, text string) string {
		if !color {
			return text
		}
		return s.Render(text)
	}

	fmt.Fprintln(w, render(title, fmt.Sprintf("GoRelay Doctor Report (%s)", diag.Timestamp.Format(time.RFC3339))))
	fmt.Fprintf(w, "System: %s/%s (%s) %s\n", diag.System.OS, diag.System.Arch, diag.System.Go, diag.System.Version)
	fmt.Fprintln(w, "---")
	for _, res := range diag.Results {
		status := fmt.Sprintf("[%-4s]", res.Status)
		fmt.Fprintf(w, "%s %-15s: %s\n", render(styles[res.Status], status), res.Name, res.Message)
		if res.Detail != "" {
			fmt.Fprintf(w, "       %s\n", render(dim, res.Detail))
		}
	}
}
