package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"

	"github.com/ent0n29/triagechat/internal/protocol"
)

var defaultUtterances = []string{
	"Olá, estou com dor de cabeça.",
	"Começou há três dias, piora à noite.",
	"Também tive febre baixa ontem.",
	"Não tomei nenhum remédio ainda.",
}

type replayOptions struct {
	baseURL        string
	conversationID string
	phoneNumber    string
	turns          int
	texts          []string
	turnTimeout    time.Duration
	interTurnDelay time.Duration
	verbose        bool
}

type replayReport struct {
	ConversationID string
	Turns          int
	Errors         int
	TriageSaved    bool
	Latencies      []time.Duration
	Summary        map[string]any
}

type wsFrame struct {
	Type           string         `json:"type"`
	RequestID      string         `json:"request_id,omitempty"`
	ConversationID string         `json:"conversation_id,omitempty"`
	Reply          string         `json:"reply,omitempty"`
	TriageSaved    bool           `json:"triage_saved,omitempty"`
	Summary        map[string]any `json:"triage_summary,omitempty"`
	Code           string         `json:"code,omitempty"`
	Detail         string         `json:"detail,omitempty"`
}

var replayFlags struct {
	texts         string
	turnTimeoutMS int
	interTurnMS   int
}

var replayOpts replayOptions

var replayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Replay chat turns against a running server over WebSocket and report latency",
	RunE: func(cmd *cobra.Command, args []string) error {
		opts, err := finishReplayOptions(replayOpts, replayFlags.texts, replayFlags.turnTimeoutMS, replayFlags.interTurnMS)
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), 8*time.Minute)
		defer cancel()

		report, err := runReplay(ctx, cmd.ErrOrStderr(), opts)
		if err != nil {
			return err
		}
		printReport(cmd.OutOrStdout(), report)
		return nil
	},
}

func init() {
	f := replayCmd.Flags()
	f.StringVar(&replayOpts.baseURL, "base-url", "http://127.0.0.1:8000", "triagechat base URL")
	f.StringVar(&replayOpts.conversationID, "conversation-id", "", "conversation to continue (optional)")
	f.StringVar(&replayOpts.phoneNumber, "phone-number", "", "phone number used as key under the stable policy")
	f.IntVar(&replayOpts.turns, "turns", 4, "number of turns to replay")
	f.StringVar(&replayFlags.texts, "texts", "", "messages separated by '|' (optional)")
	f.IntVar(&replayFlags.turnTimeoutMS, "turn-timeout-ms", 60000, "timeout waiting for each reply in milliseconds")
	f.IntVar(&replayFlags.interTurnMS, "inter-turn-ms", 0, "delay between turns in milliseconds")
	f.BoolVar(&replayOpts.verbose, "verbose", true, "print replay progress")
	rootCmd.AddCommand(replayCmd)
}

func finishReplayOptions(opts replayOptions, textsRaw string, turnTimeoutMS, interTurnMS int) (replayOptions, error) {
	opts.baseURL = strings.TrimRight(strings.TrimSpace(opts.baseURL), "/")
	if opts.baseURL == "" {
		return replayOptions{}, fmt.Errorf("base-url is required")
	}
	if opts.turns <= 0 {
		return replayOptions{}, fmt.Errorf("turns must be > 0")
	}
	if turnTimeoutMS < 1000 {
		turnTimeoutMS = 1000
	}
	if interTurnMS < 0 {
		interTurnMS = 0
	}
	opts.turnTimeout = time.Duration(turnTimeoutMS) * time.Millisecond
	opts.interTurnDelay = time.Duration(interTurnMS) * time.Millisecond

	opts.texts = nil
	if strings.TrimSpace(textsRaw) == "" {
		opts.texts = append([]string(nil), defaultUtterances...)
	} else {
		for _, part := range strings.Split(textsRaw, "|") {
			if t := strings.TrimSpace(part); t != "" {
				opts.texts = append(opts.texts, t)
			}
		}
		if len(opts.texts) == 0 {
			return replayOptions{}, fmt.Errorf("texts produced no non-empty messages")
		}
	}
	return opts, nil
}

func runReplay(ctx context.Context, logw io.Writer, opts replayOptions) (replayReport, error) {
	wsURL, err := wsURLForChat(opts.baseURL, opts.conversationID)
	if err != nil {
		return replayReport{}, err
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return replayReport{}, fmt.Errorf("dial websocket: %w", err)
	}
	defer conn.Close()

	report := replayReport{ConversationID: opts.conversationID}
	for i := 0; i < opts.turns; i++ {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		text := opts.texts[i%len(opts.texts)]
		requestID := "replay-" + strconv.Itoa(i+1)

		start := time.Now()
		if err := conn.WriteJSON(protocol.ChatMessage{
			Type:           protocol.TypeChatMessage,
			RequestID:      requestID,
			Message:        text,
			ConversationID: report.ConversationID,
			PhoneNumber:    opts.phoneNumber,
		}); err != nil {
			return report, fmt.Errorf("send turn %d: %w", i+1, err)
		}
		frame, err := awaitFrame(conn, requestID, opts.turnTimeout)
		if err != nil {
			return report, fmt.Errorf("turn %d: %w", i+1, err)
		}
		elapsed := time.Since(start)
		report.Turns++

		switch frame.Type {
		case string(protocol.TypeChatReply):
			report.Latencies = append(report.Latencies, elapsed)
			report.ConversationID = frame.ConversationID
			if frame.TriageSaved {
				report.TriageSaved = true
			}
			if opts.verbose {
				fmt.Fprintf(logw, "turn %d/%d %s triage=%t\n", i+1, opts.turns, elapsed.Round(time.Millisecond), frame.TriageSaved)
			}
		case string(protocol.TypeError):
			report.Errors++
			if frame.ConversationID != "" {
				report.ConversationID = frame.ConversationID
			}
			if opts.verbose {
				fmt.Fprintf(logw, "turn %d/%d error code=%s detail=%s\n", i+1, opts.turns, frame.Code, frame.Detail)
			}
		}

		if opts.interTurnDelay > 0 && i+1 < opts.turns {
			select {
			case <-ctx.Done():
				return report, ctx.Err()
			case <-time.After(opts.interTurnDelay):
			}
		}
	}

	if report.TriageSaved && report.ConversationID != "" {
		if err := conn.WriteJSON(protocol.SummaryGet{
			Type:           protocol.TypeSummaryGet,
			RequestID:      "replay-summary",
			ConversationID: report.ConversationID,
		}); err != nil {
			return report, fmt.Errorf("request summary: %w", err)
		}
		frame, err := awaitFrame(conn, "replay-summary", opts.turnTimeout)
		if err != nil {
			return report, fmt.Errorf("summary: %w", err)
		}
		if frame.Type == string(protocol.TypeTriageSummary) {
			report.Summary = frame.Summary
		}
	}
	return report, nil
}

// awaitFrame reads until the server answers requestID. Frames for other
// requests are skipped.
func awaitFrame(conn *websocket.Conn, requestID string, timeout time.Duration) (wsFrame, error) {
	_ = conn.SetReadDeadline(time.Now().Add(timeout))
	defer func() { _ = conn.SetReadDeadline(time.Time{}) }()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return wsFrame{}, err
		}
		var frame wsFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			continue
		}
		if frame.RequestID == requestID {
			return frame, nil
		}
	}
}

func wsURLForChat(baseURL, conversationID string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil {
		return "", err
	}
	switch strings.ToLower(u.Scheme) {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported base-url scheme %q", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return "", fmt.Errorf("base-url host is required")
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/v1/chat/ws"
	q := u.Query()
	if id := strings.TrimSpace(conversationID); id != "" {
		q.Set("conversation_id", id)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func percentile(samples []time.Duration, q float64) time.Duration {
	if len(samples) == 0 {
		return 0
	}
	sorted := append([]time.Duration(nil), samples...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	if q <= 0 {
		return sorted[0]
	}
	if q >= 1 {
		return sorted[len(sorted)-1]
	}
	idx := int(q*float64(len(sorted)-1) + 0.5)
	return sorted[idx]
}

func printReport(w io.Writer, r replayReport) {
	fmt.Fprintf(w, "conversation_id=%s turns=%d errors=%d triage_saved=%t\n", r.ConversationID, r.Turns, r.Errors, r.TriageSaved)
	if len(r.Latencies) > 0 {
		fmt.Fprintf(w, "latency p50=%s p95=%s max=%s\n",
			percentile(r.Latencies, 0.50).Round(time.Millisecond),
			percentile(r.Latencies, 0.95).Round(time.Millisecond),
			percentile(r.Latencies, 1).Round(time.Millisecond))
	}
	if text, ok := r.Summary["summary"].(string); ok {
		fmt.Fprintf(w, "summary: %s\n", text)
	}
}
