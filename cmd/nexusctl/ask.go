package main

import (
	"encoding/base64"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"nexuschat/internal/app"
	"nexuschat/internal/chat"
	"nexuschat/internal/config"
	"nexuschat/internal/metrics"
	"nexuschat/internal/orchestrator"
)

var (
	askFiles        []string
	askSystem       string
	askModel        string
	askShowThoughts bool
)

var askCmd = &cobra.Command{
	Use:   "ask [prompt]",
	Short: "Run one chat turn and stream the answer to stdout",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runAsk,
}

var classifyCmd = &cobra.Command{
	Use:   "classify [prompt]",
	Short: "Print the intent decision for a prompt",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runClassify,
}

func init() {
	askCmd.Flags().StringArrayVarP(&askFiles, "file", "f", nil, "attach a local file (repeatable)")
	askCmd.Flags().StringVarP(&askSystem, "system", "s", "", "system instruction (defaults to ORCH_SYSTEM_PROMPT)")
	askCmd.Flags().StringVarP(&askModel, "model", "m", "", "override the primary model")
	askCmd.Flags().BoolVarP(&askShowThoughts, "show-thoughts", "t", false, "print reasoning to stderr")
}

func runAsk(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	engine, err := app.BuildEngine(ctx, cfg, &http.Client{Timeout: cfg.HTTP.ClientTimeout}, logger(), metrics.Global())
	if err != nil {
		return err
	}
	orch, err := orchestrator.New(engine.Orchestrator)
	if err != nil {
		return err
	}

	files, err := readAttachments(askFiles)
	if err != nil {
		return err
	}
	system := askSystem
	if system == "" {
		system = cfg.Orchestrator.SystemPrompt
	}

	out := cmd.OutOrStdout()
	errOut := cmd.ErrOrStderr()
	var shownText, shownThought string
	var last chat.StreamUpdate
	for u := range orch.Stream(ctx, orchestrator.Request{
		SystemInstruction: system,
		Prompt:            strings.Join(args, " "),
		Files:             files,
		TextModel:         askModel,
	}) {
		if u.Restarted {
			fmt.Fprintln(errOut, "\n[primary failed, retrying on fallback]")
			shownText, shownThought = "", ""
		}
		if askShowThoughts {
			shownThought = printDelta(errOut, shownThought, u.Thought)
		}
		shownText = printDelta(out, shownText, u.Text)
		last = u
	}
	fmt.Fprintln(out)

	if last.Status == chat.StatusError {
		return fmt.Errorf("turn failed")
	}
	return nil
}

// printDelta writes the part of snapshot not yet shown. A snapshot that does
// not extend what was shown is printed whole on a new line.
func printDelta(w io.Writer, shown, snapshot string) string {
	switch {
	case snapshot == shown:
	case strings.HasPrefix(snapshot, shown):
		fmt.Fprint(w, snapshot[len(shown):])
	default:
		fmt.Fprint(w, "\n"+snapshot)
	}
	return snapshot
}

func runClassify(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	engine, err := app.BuildEngine(cmd.Context(), cfg, &http.Client{Timeout: cfg.HTTP.ClientTimeout}, logger(), metrics.Global())
	if err != nil {
		return err
	}
	d := engine.Orchestrator.Classifier.Classify(cmd.Context(), strings.Join(args, " "))
	mode := chat.ModeReasoning
	if d.IsImageRequest {
		mode = chat.ModeImage
	}
	fmt.Fprintf(cmd.OutOrStdout(), "mode=%s source=%s prompt=%q\n", mode, d.Source, d.RefinedPrompt)
	return nil
}

const maxAttachmentBytes = 5 << 20

func readAttachments(paths []string) ([]chat.AttachedFile, error) {
	files := make([]chat.AttachedFile, 0, len(paths))
	for _, p := range paths {
		raw, err := os.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", p, err)
		}
		if len(raw) > maxAttachmentBytes {
			return nil, fmt.Errorf("%s is larger than %d bytes", p, maxAttachmentBytes)
		}
		name := filepath.Base(p)
		mimeType := mime.TypeByExtension(filepath.Ext(name))
		if mimeType == "" {
			mimeType = http.DetectContentType(raw)
		}
		f := chat.AttachedFile{Name: name, MimeType: mimeType, Content: string(raw)}
		if strings.HasPrefix(mimeType, "image/") {
			f.Content = "data:" + mimeType + ";base64," + base64.StdEncoding.EncodeToString(raw)
		}
		files = append(files, f)
	}
	return files, nil
}
