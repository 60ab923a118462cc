// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/ffr0517/Sepsis-Spotter-UI/services/intake"
	"github.com/ffr0517/Sepsis-Spotter-UI/services/intake/orchestrator"
	"github.com/ffr0517/Sepsis-Spotter-UI/services/intake/sheet"
)

const chatHelp = `Type clinical details in plain text, for example:
  2-year-old boy, HR 154, RR 36, SpO2 95%
Commands:
  /s1, /s2, /auto  request a stage
  /sheet           print the Info Sheet
  /status          show what is still missing
  /reset           start over with an empty sheet
  /quit            leave`

func newChatCmd() *cobra.Command {
	var (
		server    string
		sessionID string
		timeout   time.Duration
	)
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Interactive intake conversation against a running server",
		Long:  "Starts (or resumes with --session) a conversation with the intake server.\n\n" + chatHelp,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			api := &apiClient{
				baseURL: strings.TrimRight(server, "/") + "/v1/spotter",
				http:    &http.Client{Timeout: timeout},
			}
			return runChat(cmd.Context(), api, sessionID, cmd.InOrStdin(), cmd.OutOrStdout(), isTerminal(cmd.InOrStdin()))
		},
	}
	cmd.Flags().StringVarP(&server, "server", "s", envOr("SPOTTER_SERVER", "http://localhost:8080"), "Intake server base URL")
	cmd.Flags().StringVar(&sessionID, "session", "", "Resume an existing session id")
	cmd.Flags().DurationVar(&timeout, "timeout", 3*time.Minute, "Per-request timeout")
	return cmd
}

func runChat(ctx context.Context, api *apiClient, sessionID string, in io.Reader, out io.Writer, interactive bool) error {
	var sess intake.SessionResponse
	var err error
	if sessionID == "" {
		sess, err = api.createSession(ctx)
	} else {
		sess, err = api.getSession(ctx, sessionID)
	}
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "%s %s\n", labelStyle.Render("Session"), sess.ID)
	if interactive {
		fmt.Fprintln(out, dimStyle.Render(chatHelp))
	}

	scanner := bufio.NewScanner(in)
	for {
		if interactive {
			fmt.Fprint(out, promptStyle.Render("> "))
		}
		if !scanner.Scan() {
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		switch strings.ToLower(line) {
		case "/quit", "/exit":
			return nil
		case "/help":
			fmt.Fprintln(out, chatHelp)
		case "/sheet":
			s, err := api.getSession(ctx, sess.ID)
			if err != nil {
				fmt.Fprintln(out, errorStyle.Render(err.Error()))
				continue
			}
			doc, _ := sheet.ExportIndent(s.Sheet)
			fmt.Fprintln(out, string(doc))
		case "/status":
			s, err := api.getSession(ctx, sess.ID)
			if err != nil {
				fmt.Fprintln(out, errorStyle.Render(err.Error()))
				continue
			}
			printSheetCheck(out, sheetCheckReport{Phase: s.Phase, Status: s.Status})
		case "/reset":
			if _, err := api.reset(ctx, sess.ID); err != nil {
				fmt.Fprintln(out, errorStyle.Render(err.Error()))
				continue
			}
			fmt.Fprintln(out, "Sheet cleared.")
		case "/s1", "/s2", "/auto":
			stage := orchestrator.StageChoice(strings.TrimPrefix(strings.ToUpper(line), "/"))
			if stage == "AUTO" {
				stage = orchestrator.StageAuto
			}
			resp, err := api.step(ctx, sess.ID, orchestrator.Proposal{Action: orchestrator.ActionCallStage, Stage: stage})
			renderStep(out, resp, err)
		default:
			resp, err := api.message(ctx, sess.ID, intake.MessageRequest{Text: line})
			renderStep(out, resp, err)
		}
	}
}

// renderStep prints one turn's outcome.
func renderStep(w io.Writer, resp intake.StepResponse, err error) {
	if resp.Error != nil {
		fmt.Fprintf(w, "%s %s (%s)\n", errorStyle.Render("Stage call failed:"), resp.Error.Error, resp.Error.Code)
		fmt.Fprintln(w, dimStyle.Render("Your details were kept. Ask again to retry."))
		return
	}
	if err != nil {
		fmt.Fprintln(w, errorStyle.Render(err.Error()))
		return
	}
	for _, warn := range resp.Warnings {
		fmt.Fprintln(w, warnStyle.Render("! "+warn))
	}
	if len(resp.Unknown) > 0 {
		fmt.Fprintln(w, dimStyle.Render("Not recognized: "+strings.Join(resp.Unknown, ", ")))
	}

	o := resp.Outcome
	switch o.Kind {
	case orchestrator.NeedsInfo:
		fmt.Fprintln(w, o.Prompt)
		if len(o.Missing) > 0 {
			fmt.Fprintln(w, dimStyle.Render("Still missing: "+strings.Join(o.Missing, ", ")))
		}
	case orchestrator.AwaitingConsent:
		fmt.Fprintln(w, warnStyle.Render(o.Warning))
	case orchestrator.StageResult:
		var b strings.Builder
		if o.Stage1 != nil {
			fmt.Fprintf(&b, "Stage 1: %s", o.Stage1.Decision)
			if o.Stage1.V1Prob != nil && o.Stage1.V2Prob != nil {
				fmt.Fprintf(&b, " (severe %.2f, not severe %.2f)", *o.Stage1.V1Prob, *o.Stage1.V2Prob)
			}
		}
		if o.Stage2 != nil {
			if b.Len() > 0 {
				b.WriteString("\n")
			}
			fmt.Fprintf(&b, "Stage 2: %s", o.Stage2.Decision)
			if o.Consented {
				b.WriteString(" (unvalidated lab set)")
			}
		}
		fmt.Fprintln(w, sectionStyle.Render(resultStyle.Render(b.String())))
	case orchestrator.NoOp:
		if o.Prompt != "" {
			fmt.Fprintln(w, o.Prompt)
		} else {
			fmt.Fprintln(w, dimStyle.Render("Noted."))
		}
	}
}

// =============================================================================
// API client
// =============================================================================

type apiClient struct {
	baseURL string
	http    *http.Client
}

// apiError is a non-2xx response without a step body.
type apiError struct {
	Status int
	Body   intake.ErrorResponse
}

func (e *apiError) Error() string {
	if e.Body.Error != "" {
		return fmt.Sprintf("server returned %d: %s (%s)", e.Status, e.Body.Error, e.Body.Code)
	}
	return fmt.Sprintf("server returned %d", e.Status)
}

func (c *apiClient) createSession(ctx context.Context) (intake.SessionResponse, error) {
	var out intake.SessionResponse
	_, err := c.do(ctx, http.MethodPost, "/sessions", nil, &out)
	return out, err
}

func (c *apiClient) getSession(ctx context.Context, id string) (intake.SessionResponse, error) {
	var out intake.SessionResponse
	_, err := c.do(ctx, http.MethodGet, "/sessions/"+id, nil, &out)
	return out, err
}

func (c *apiClient) reset(ctx context.Context, id string) (intake.SessionResponse, error) {
	var out intake.SessionResponse
	_, err := c.do(ctx, http.MethodPost, "/sessions/"+id+"/reset", nil, &out)
	return out, err
}

func (c *apiClient) step(ctx context.Context, id string, p orchestrator.Proposal) (intake.StepResponse, error) {
	return c.turn(ctx, "/sessions/"+id+"/step", p)
}

func (c *apiClient) message(ctx context.Context, id string, m intake.MessageRequest) (intake.StepResponse, error) {
	return c.turn(ctx, "/sessions/"+id+"/messages", m)
}

// turn posts a turn. Failed stage calls still carry a StepResponse, which
// is returned alongside the error.
func (c *apiClient) turn(ctx context.Context, path string, body any) (intake.StepResponse, error) {
	var out intake.StepResponse
	_, err := c.do(ctx, http.MethodPost, path, body, &out)
	var apiErr *apiError
	if errors.As(err, &apiErr) && out.Error != nil {
		return out, nil
	}
	return out, err
}

// do sends a request and decodes the JSON body into out. On non-2xx it
// still decodes into out, then returns an *apiError.
func (c *apiClient) do(ctx context.Context, method, path string, body, out any) (int, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return 0, err
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return 0, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("cannot reach intake server: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return resp.StatusCode, err
	}
	if resp.StatusCode >= 300 {
		apiErr := &apiError{Status: resp.StatusCode}
		_ = json.Unmarshal(data, &apiErr.Body)
		if out != nil {
			_ = json.Unmarshal(data, out)
		}
		return resp.StatusCode, apiErr
	}
	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return resp.StatusCode, fmt.Errorf("decode response: %w", err)
		}
	}
	return resp.StatusCode, nil
}

func isTerminal(r io.Reader) bool {
	f, ok := r.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
