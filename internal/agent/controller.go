// Package agent handles one user turn in agent mode.
//
// A turn first goes to the command interpreter. When it yields a command, the
// command is checked by the safety filter and, if allowed, executed; the
// caller gets the execution result. Only when no rule or marker matches does
// the text go to the inference server as a conversation. A matching rule
// always wins over conversation, even when the command is then blocked.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/treykane/omega/internal/inference"
	"github.com/treykane/omega/internal/interpreter"
	"github.com/treykane/omega/internal/model"
	"github.com/treykane/omega/internal/search"
	"github.com/treykane/omega/internal/security"
	"github.com/treykane/omega/internal/store"
)

// Paths a turn can take.
const (
	PathCommand      = "command"
	PathConversation = "conversation"
)

// ErrEmptyTurn is returned for blank input.
var ErrEmptyTurn = errors.New("empty message")

// Interpreter maps text to a command.
type Interpreter interface {
	Interpret(text string) (interpreter.Interpretation, bool)
	Descriptions() []string
}

// Executor runs an already vetted command.
type Executor interface {
	Execute(ctx context.Context, command string) model.CommandResult
}

// Generator produces conversational replies.
type Generator interface {
	GenerateStream(ctx context.Context, req inference.Request, onChunk func(string) error) (string, error)
}

// Store persists sessions and supplies conversation context.
type Store interface {
	CreateSession(ctx context.Context, model, systemPrompt, firstMessage string) (store.Session, error)
	GetSession(ctx context.Context, id string) (store.Session, error)
	AppendMessage(ctx context.Context, sessionID, role, content, metadata string) (store.Message, error)
	Messages(ctx context.Context, sessionID string, limit int) ([]store.Message, error)
	RelevantLearnings(ctx context.Context, model string) ([]store.Learning, error)
	ApplyLearning(ctx context.Context, learningID int64, sessionID string, success bool) error
}

// Settings are the conversation options from the agent config section.
type Settings struct {
	Model        string
	SystemPrompt string
	Internet     bool
	Learning     bool
	History      int
}

// Turn is one user message.
type Turn struct {
	SessionID string `json:"session_id,omitempty"`
	Text      string `json:"text"`
	Model     string `json:"model,omitempty"`
	// DryRun interprets and vets a command without running it. It has no
	// effect on the conversation path.
	DryRun bool `json:"dry_run,omitempty"`
	// ConversationOnly skips the interpreter; used when agent mode is off.
	ConversationOnly bool `json:"conversation_only,omitempty"`
}

// Reply is the outcome of a turn.
type Reply struct {
	Path        string               `json:"path"`
	SessionID   string               `json:"session_id,omitempty"`
	Command     string               `json:"command,omitempty"`
	Description string               `json:"description,omitempty"`
	Direct      bool                 `json:"direct,omitempty"`
	Result      *model.CommandResult `json:"result,omitempty"`
	Text        string               `json:"text"`
	Error       string               `json:"error,omitempty"`
	ErrorKind   security.Kind        `json:"error_kind,omitempty"`
}

// Controller wires the interpreter, filter, executor and inference client.
// It holds no per-turn state and is safe for concurrent use.
type Controller struct {
	interp   Interpreter
	filter   *security.Filter
	exec     Executor
	gen      Generator
	store    Store
	searcher search.Searcher
	settings Settings
}

// Option configures a Controller.
type Option func(*Controller)

// WithStore enables session persistence and conversation context.
func WithStore(s Store) Option { return func(c *Controller) { c.store = s } }

// WithSearcher enables web lookups for prompts about current events.
func WithSearcher(s search.Searcher) Option { return func(c *Controller) { c.searcher = s } }

// WithSettings sets conversation options.
func WithSettings(s Settings) Option { return func(c *Controller) { c.settings = s } }

// New returns a controller. A nil filter is replaced by the default denylist
// so no configuration can route commands around it.
func New(interp Interpreter, filter *security.Filter, exec Executor, gen Generator, opts ...Option) (*Controller, error) {
	if interp == nil || exec == nil || gen == nil {
		return nil, errors.New("agent: interpreter, executor and generator are required")
	}
	if filter == nil {
		f, err := security.NewFilter()
		if err != nil {
			return nil, err
		}
		filter = f
	}
	c := &Controller{interp: interp, filter: filter, exec: exec, gen: gen}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Handle processes one turn and returns the complete reply.
func (c *Controller) Handle(ctx context.Context, turn Turn) (Reply, error) {
	return c.HandleStream(ctx, turn, nil)
}

// HandleStream is Handle with conversational text delivered to onChunk as
// it is generated. Command replies are never streamed.
//
// The only errors returned are for bad input (blank text, unknown session).
// Execution, safety and upstream failures are reported inside the Reply.
func (c *Controller) HandleStream(ctx context.Context, turn Turn, onChunk func(string) error) (Reply, error) {
	text := strings.TrimSpace(turn.Text)
	if text == "" {
		return Reply{}, ErrEmptyTurn
	}
	modelName := turn.Model
	if modelName == "" {
		modelName = c.settings.Model
	}

	sessionID, history, err := c.openSession(ctx, turn.SessionID, modelName, text)
	if err != nil {
		return Reply{}, err
	}
	c.persist(ctx, sessionID, store.RoleUser, text, nil)

	var reply Reply
	if in, ok := c.interpret(turn, text); ok {
		reply = c.runCommand(ctx, sessionID, in, turn.DryRun)
	} else {
		reply = c.converse(ctx, sessionID, modelName, text, history, onChunk)
	}
	reply.SessionID = sessionID

	meta := map[string]any{"path": reply.Path}
	if reply.Result != nil {
		meta["command"] = reply.Result.Command
		meta["exit_code"] = reply.Result.ExitCode
		meta["blocked"] = reply.Result.Blocked
	}
	c.persist(ctx, sessionID, store.RoleAssistant, reply.Text, meta)
	return reply, nil
}

func (c *Controller) interpret(turn Turn, text string) (interpreter.Interpretation, bool) {
	if turn.ConversationOnly {
		return interpreter.Interpretation{}, false
	}
	return c.interp.Interpret(text)
}

func (c *Controller) runCommand(ctx context.Context, sessionID string, in interpreter.Interpretation, dryRun bool) Reply {
	reply := Reply{
		Path:        PathCommand,
		Command:     in.Command,
		Description: in.Description,
		Direct:      in.Direct,
	}
	if err := c.filter.Check(in.Command); err != nil {
		slog.Warn("agent command blocked", "session", sessionID, "command", in.Command, "reason", security.DebugMessage(err))
		msg := security.UserMessage(err, false)
		reply.Result = &model.CommandResult{
			Command:  in.Command,
			Stderr:   msg,
			ExitCode: model.ExitSentinel,
			Blocked:  true,
		}
		reply.Error = msg
		reply.ErrorKind = security.KindOf(err)
		reply.Text = msg
		return reply
	}
	if dryRun {
		reply.Text = fmt.Sprintf("%s: %s (not executed)", in.Description, in.Command)
		return reply
	}

	res := c.exec.Execute(ctx, in.Command)
	slog.Info("agent command executed", "session", sessionID, "command", in.Command, "exit_code", res.ExitCode, "duration", res.Duration)
	reply.Result = &res
	reply.Text = FormatResult(in.Description, res)
	if !res.Success {
		reply.Error = failureReason(res)
	}
	return reply
}

// failureReason is the short reason a finished command did not succeed.
func failureReason(res model.CommandResult) string {
	if res.TimedOut {
		return "command timed out"
	}
	return fmt.Sprintf("command exited with status %d", res.ExitCode)
}

func (c *Controller) converse(ctx context.Context, sessionID, modelName, text string, history []store.Message, onChunk func(string) error) Reply {
	reply := Reply{Path: PathConversation}

	var learnings []store.Learning
	if c.settings.Learning && c.store != nil {
		l, err := c.store.RelevantLearnings(ctx, modelName)
		if err != nil {
			slog.Warn("failed to load learnings", "error", err)
		}
		learnings = l
	}
	var results []search.Result
	if c.settings.Internet && c.searcher != nil && search.NeedsSearch(text) {
		r, err := c.searcher.Search(ctx, text)
		if err != nil {
			slog.Warn("web search failed", "error", err)
		}
		results = r
	}

	prompt := BuildPrompt(text, history, learnings, results)
	out, err := c.gen.GenerateStream(ctx, inference.Request{Model: modelName, Prompt: prompt, System: c.settings.SystemPrompt}, onChunk)
	if err != nil {
		slog.Warn("inference failed", "session", sessionID, "model", modelName, "error", security.DebugMessage(err))
		reply.Error = upstreamMessage(err)
		reply.Text = reply.Error + "\n\n" + c.helpText()
		return reply
	}
	reply.Text = out

	if sessionID != "" && c.store != nil {
		for _, l := range learnings {
			if err := c.store.ApplyLearning(ctx, l.ID, sessionID, true); err != nil {
				slog.Warn("failed to record learning use", "learning", l.ID, "error", err)
			}
		}
	}
	return reply
}

func upstreamMessage(err error) string {
	var uf security.UserFacing
	if errors.As(err, &uf) {
		return uf.UserMessage()
	}
	return "The inference server returned an error."
}

func (c *Controller) helpText() string {
	var b strings.Builder
	b.WriteString("Commands I understand without the model:\n")
	for _, d := range c.interp.Descriptions() {
		b.WriteString("  - ")
		b.WriteString(d)
		b.WriteByte('\n')
	}
	b.WriteString("Prefix a line with /cmd to run it as typed.")
	return b.String()
}

// openSession resolves the turn's session and loads its recent history.
// Storage failures leave the turn unpersisted rather than failing it.
func (c *Controller) openSession(ctx context.Context, id, modelName, text string) (string, []store.Message, error) {
	if c.store == nil {
		return id, nil, nil
	}
	if id == "" {
		sess, err := c.store.CreateSession(ctx, modelName, c.settings.SystemPrompt, text)
		if err != nil {
			slog.Warn("failed to create session", "error", err)
			return "", nil, nil
		}
		return sess.ID, nil, nil
	}
	if _, err := c.store.GetSession(ctx, id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return "", nil, err
		}
		slog.Warn("failed to load session", "session", id, "error", err)
		return id, nil, nil
	}
	if c.settings.History <= 0 {
		return id, nil, nil
	}
	msgs, err := c.store.Messages(ctx, id, c.settings.History)
	if err != nil {
		slog.Warn("failed to load session history", "session", id, "error", err)
	}
	return id, msgs, nil
}

func (c *Controller) persist(ctx context.Context, sessionID, role, content string, meta map[string]any) {
	if c.store == nil || sessionID == "" {
		return
	}
	var metadata string
	if meta != nil {
		b, _ := json.Marshal(meta)
		metadata = string(b)
	}
	if _, err := c.store.AppendMessage(ctx, sessionID, role, content, metadata); err != nil {
		slog.Warn("failed to persist message", "session", sessionID, "role", role, "error", err)
	}
}
