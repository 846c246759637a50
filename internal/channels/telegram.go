package channels

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/basket/go-valet/internal/agent"
	"github.com/basket/go-valet/internal/approval"
	"github.com/basket/go-valet/internal/audit"
	"github.com/basket/go-valet/internal/convstore"
	"github.com/basket/go-valet/internal/jobs"
	"github.com/basket/go-valet/internal/otel"
	"github.com/basket/go-valet/internal/shared"
)

// Telegram caps messages at 4096 characters; stay under it with headroom.
const maxMessageLen = 4000

// TelegramChannel is the chat front end: it turns Telegram messages into
// agent turns, surfaces permission requests as inline keyboards, and exposes
// the background job commands.
type TelegramChannel struct {
	token      string
	allowMu    sync.RWMutex
	allowedIDs map[int64]struct{}
	invoker    *agent.Invoker
	supervisor *jobs.Supervisor
	broker     *approval.Broker
	store      *convstore.Store
	homeDir    string
	logger     *slog.Logger
	tracer     trace.Tracer
	bot        *tgbotapi.BotAPI
	startedAt  time.Time

	// busy gates one in-flight turn per chat.
	busyMu sync.Mutex
	busy   map[int64]bool

	// approvalMsgs maps request IDs to the prompt message so the keyboard
	// can be cleared once the request resolves.
	approvalMu   sync.Mutex
	approvalMsgs map[string]sentPrompt
}

type sentPrompt struct {
	chatID    int64
	messageID int
}

// streamState tracks progressive editing while a reply streams in.
type streamState struct {
	chatID    int64
	messageID int
	lastEdit  time.Time
}

func NewTelegramChannel(token string, allowedIDs []int64, invoker *agent.Invoker, supervisor *jobs.Supervisor, broker *approval.Broker, store *convstore.Store, homeDir string, logger *slog.Logger, tracer trace.Tracer) *TelegramChannel {
	allowed := make(map[int64]struct{})
	for _, id := range allowedIDs {
		allowed[id] = struct{}{}
	}
	return &TelegramChannel{
		token:        token,
		allowedIDs:   allowed,
		invoker:      invoker,
		supervisor:   supervisor,
		broker:       broker,
		store:        store,
		homeDir:      homeDir,
		logger:       logger,
		tracer:       otel.TracerOrNoop(tracer),
		busy:         make(map[int64]bool),
		approvalMsgs: make(map[string]sentPrompt),
	}
}

func (t *TelegramChannel) Name() string {
	return "telegram"
}

// SetAllowedIDs replaces the user allow-list, used on config reload.
func (t *TelegramChannel) SetAllowedIDs(ids []int64) {
	allowed := make(map[int64]struct{})
	for _, id := range ids {
		allowed[id] = struct{}{}
	}
	t.allowMu.Lock()
	t.allowedIDs = allowed
	t.allowMu.Unlock()
}

func (t *TelegramChannel) isAllowed(userID int64) bool {
	t.allowMu.RLock()
	defer t.allowMu.RUnlock()
	_, ok := t.allowedIDs[userID]
	return ok
}

func (t *TelegramChannel) Start(ctx context.Context) error {
	var err error
	t.bot, err = tgbotapi.NewBotAPI(t.token)
	if err != nil {
		return fmt.Errorf("telegram init failed: %w", err)
	}
	t.startedAt = time.Now()
	t.logger.Info("telegram bot started", "user", t.bot.Self.UserName)

	// Reconnection loop with exponential backoff.
	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		if err := ctx.Err(); err != nil {
			return nil
		}

		u := tgbotapi.NewUpdate(0)
		u.Timeout = 60
		updates := t.bot.GetUpdatesChan(u)

		pollErr := t.pollUpdates(ctx, updates)

		// Always clean up the old polling goroutine before reconnecting.
		t.bot.StopReceivingUpdates()

		if pollErr != nil {
			t.logger.Warn("telegram poll disconnected, reconnecting", "error", pollErr, "backoff", backoff)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			continue
		}

		// pollUpdates returned nil means ctx was cancelled.
		return nil
	}
}

// pollUpdates reads from the update channel until ctx is done, the channel
// closes, or no updates arrive within the stall window. Returns nil on
// context cancellation, or an error to trigger reconnection.
func (t *TelegramChannel) pollUpdates(ctx context.Context, updates tgbotapi.UpdatesChannel) error {
	// tgbotapi uses a 60s long-poll timeout. If we see nothing for 2.5
	// minutes the connection is likely dead (the library blocks rather than
	// closing the channel).
	const stallTimeout = 150 * time.Second

	timer := time.NewTimer(stallTimeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case update, ok := <-updates:
			if !ok {
				return fmt.Errorf("update channel closed")
			}

			// Reset stall timer on every received update (including empty
			// long-poll returns).
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(stallTimeout)

			if update.Message != nil {
				if !t.isAllowed(update.Message.From.ID) {
					t.logger.Warn("telegram access denied", "user_id", update.Message.From.ID, "user_name", update.Message.From.UserName)
					continue
				}
				t.handleMessage(ctx, update.Message)
				continue
			}

			if update.CallbackQuery != nil {
				if !t.isAllowed(update.CallbackQuery.From.ID) {
					t.logger.Warn("telegram callback access denied", "user_id", update.CallbackQuery.From.ID)
					continue
				}
				t.handleCallbackQuery(update.CallbackQuery)
				continue
			}

		case <-timer.C:
			return fmt.Errorf("no updates received for %v (possible disconnect)", stallTimeout)
		}
	}
}

func conversationID(chatID int64) string {
	return fmt.Sprintf("tg:%d", chatID)
}

func (t *TelegramChannel) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	chatID := msg.Chat.ID
	content := strings.TrimSpace(msg.Text)

	// Every inbound update gets its own trace id; it rides the context
	// through the invoker down to the approval broker's logs.
	ctx = shared.WithTraceID(ctx, shared.NewTraceID())

	if msg.IsCommand() {
		t.handleCommand(msg)
		return
	}

	// Attachments become local files the agent can read.
	if path, err := t.downloadAttachment(msg); err != nil {
		t.logger.Warn("attachment download failed", "error", err)
		t.reply(chatID, "I couldn't download that attachment.")
		return
	} else if path != "" {
		caption := strings.TrimSpace(msg.Caption)
		if caption == "" {
			caption = "The user sent a file."
		}
		content = fmt.Sprintf("%s\n\n(Attached file saved at %s)", caption, path)
	}

	if content == "" {
		return
	}

	t.busyMu.Lock()
	if t.busy[chatID] {
		t.busyMu.Unlock()
		t.reply(chatID, "Still working on your previous message, one moment.")
		return
	}
	t.busy[chatID] = true
	t.busyMu.Unlock()

	go func() {
		defer func() {
			t.busyMu.Lock()
			delete(t.busy, chatID)
			t.busyMu.Unlock()
		}()
		spanCtx, span := otel.StartServerSpan(ctx, t.tracer, "telegram.update",
			otel.AttrConversationID.String(conversationID(chatID)))
		defer span.End()
		t.runTurn(spanCtx, chatID, content)
	}()
}

// runTurn drives one agent turn, streaming the reply into a single message
// that is edited in place.
func (t *TelegramChannel) runTurn(ctx context.Context, chatID int64, content string) {
	logger := t.logger.With("chat_id", chatID, "trace_id", shared.TraceID(ctx))
	var mu sync.Mutex
	state := &streamState{chatID: chatID}

	reply, err := t.invoker.Invoke(ctx, conversationID(chatID), content, func(accumulated string) {
		mu.Lock()
		defer mu.Unlock()
		t.streamPartial(state, accumulated)
	})
	if err != nil {
		text := "Something went wrong handling that message."
		if errors.Is(err, agent.ErrEngineUnavailable) {
			text = "The agent engine is unavailable right now. Please try again in a bit."
		}
		logger.Error("turn failed", "error", err)
		mu.Lock()
		defer mu.Unlock()
		t.finishStream(state, text)
		return
	}

	mu.Lock()
	defer mu.Unlock()
	t.finishStream(state, reply)
}

// streamPartial sends the placeholder on the first chunk and then edits it,
// rate-limited to ~1/second to avoid Telegram 429 errors.
func (t *TelegramChannel) streamPartial(state *streamState, accumulated string) {
	if accumulated == "" {
		return
	}
	if len(accumulated) > maxMessageLen {
		accumulated = accumulated[:maxMessageLen]
	}
	if state.messageID == 0 {
		sent, err := t.bot.Send(tgbotapi.NewMessage(state.chatID, accumulated))
		if err != nil {
			t.logger.Warn("failed to send stream placeholder", "error", err)
			return
		}
		state.messageID = sent.MessageID
		state.lastEdit = time.Now()
		return
	}
	if time.Since(state.lastEdit) < time.Second {
		return
	}
	state.lastEdit = time.Now()
	t.editMessageText(state.chatID, state.messageID, accumulated)
}

// finishStream delivers the final text, reusing the streamed message when
// one exists and chunking anything past the message size cap.
func (t *TelegramChannel) finishStream(state *streamState, text string) {
	if text == "" {
		text = "(empty reply)"
	}
	chunks := chunkMessage(text, maxMessageLen)
	if state.messageID != 0 {
		t.editMessageText(state.chatID, state.messageID, chunks[0])
		chunks = chunks[1:]
	}
	for _, c := range chunks {
		t.reply(state.chatID, c)
	}
}

func (t *TelegramChannel) handleCommand(msg *tgbotapi.Message) {
	chatID := msg.Chat.ID
	args := strings.TrimSpace(msg.CommandArguments())

	switch msg.Command() {
	case "start":
		t.reply(chatID, "Hi! Send me a message and I'll pass it to the agent. Commands: /jobs /spawn /kill /reset /status")

	case "status":
		t.reply(chatID, t.statusText(chatID))

	case "jobs":
		t.reply(chatID, formatJobList(t.supervisor.List(conversationID(chatID))))

	case "spawn":
		parts := strings.SplitN(args, " ", 2)
		if len(parts) < 2 || strings.TrimSpace(parts[1]) == "" {
			t.reply(chatID, fmt.Sprintf("Usage: /spawn <kind> <task>\nKinds: %s", strings.Join(t.supervisor.Kinds(), ", ")))
			return
		}
		kind, task := parts[0], strings.TrimSpace(parts[1])
		job, err := t.supervisor.Spawn(kind, task, "", conversationID(chatID), func(done jobs.Job) {
			t.notifyJobDone(chatID, done)
		})
		if err != nil {
			t.reply(chatID, fmt.Sprintf("Could not start job: %v", err))
			return
		}
		audit.Record(audit.ActionJobSpawn, job.ID, fmt.Sprintf("%s: %s", kind, task), conversationID(chatID))
		t.reply(chatID, fmt.Sprintf("Started %s job %s", kind, job.ID))

	case "kill":
		if args == "" {
			t.reply(chatID, "Usage: /kill <job-id>")
			return
		}
		job, ok := t.supervisor.Kill(args)
		if !ok {
			t.reply(chatID, fmt.Sprintf("No job %s", args))
			return
		}
		audit.Record(audit.ActionJobKill, job.ID, "", conversationID(chatID))
		t.reply(chatID, fmt.Sprintf("Job %s is now %s", job.ID, job.Status))

	case "job":
		if args == "" {
			t.reply(chatID, "Usage: /job <job-id>")
			return
		}
		job, ok := t.supervisor.Get(args)
		if !ok {
			t.reply(chatID, fmt.Sprintf("No job %s", args))
			return
		}
		t.reply(chatID, formatJobDetail(job))

	case "reset":
		if err := t.store.Reset(conversationID(chatID)); err != nil {
			t.reply(chatID, fmt.Sprintf("Reset failed: %v", err))
			return
		}
		audit.Record(audit.ActionConversationReset, conversationID(chatID), "", conversationID(chatID))
		t.reply(chatID, "Conversation reset. The next message starts fresh.")

	default:
		t.reply(chatID, fmt.Sprintf("Unknown command /%s", msg.Command()))
	}
}

func (t *TelegramChannel) statusText(chatID int64) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Up %s.\n", time.Since(t.startedAt).Round(time.Second))

	running := 0
	for _, j := range t.supervisor.List(conversationID(chatID)) {
		if !j.Status.Terminal() {
			running++
		}
	}
	fmt.Fprintf(&b, "Jobs running here: %d.\n", running)
	fmt.Fprintf(&b, "Pending approvals: %d.", len(t.broker.Pending()))
	return b.String()
}

func (t *TelegramChannel) notifyJobDone(chatID int64, job jobs.Job) {
	text := fmt.Sprintf("Job %s (%s) finished: %s", job.ID, job.Kind, job.Status)
	if job.ExitCode != nil && *job.ExitCode != 0 {
		text += fmt.Sprintf(" (exit %d)", *job.ExitCode)
	}
	if tail := strings.TrimSpace(job.Output); tail != "" {
		if len(tail) > 500 {
			tail = tail[len(tail)-500:]
		}
		text += "\n\n" + tail
	}
	for _, c := range chunkMessage(text, maxMessageLen) {
		t.reply(chatID, c)
	}
}

// downloadAttachment fetches a photo or document into the home files
// directory and returns the local path, or "" when the message carries none.
func (t *TelegramChannel) downloadAttachment(msg *tgbotapi.Message) (string, error) {
	var fileID, name string
	switch {
	case msg.Document != nil:
		fileID = msg.Document.FileID
		name = msg.Document.FileName
	case len(msg.Photo) > 0:
		// Photos arrive in ascending sizes; take the largest.
		fileID = msg.Photo[len(msg.Photo)-1].FileID
		name = "photo.jpg"
	default:
		return "", nil
	}

	url, err := t.bot.GetFileDirectURL(fileID)
	if err != nil {
		return "", fmt.Errorf("resolve file url: %w", err)
	}
	resp, err := http.Get(url)
	if err != nil {
		return "", fmt.Errorf("fetch file: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("fetch file: status %d", resp.StatusCode)
	}

	dir := filepath.Join(t.homeDir, "files")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	path := filepath.Join(dir, uuid.NewString()[:8]+"-"+filepath.Base(name))
	f, err := os.Create(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	if _, err := io.Copy(f, resp.Body); err != nil {
		os.Remove(path)
		return "", err
	}
	return path, nil
}

// PromptApproval implements approval.Prompter: it posts the permission
// request with Allow/Deny buttons to the conversation that triggered it.
func (t *TelegramChannel) PromptApproval(req approval.Request) {
	chatID, ok := chatIDFromConversation(req.ConversationID)
	if !ok {
		t.logger.Warn("approval request without telegram conversation", "request_id", req.ID)
		return
	}

	keyboard := tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("Allow", fmt.Sprintf("apr:%s:allow", req.ID)),
			tgbotapi.NewInlineKeyboardButtonData("Deny", fmt.Sprintf("apr:%s:deny", req.ID)),
		),
	)
	m := tgbotapi.NewMessage(chatID, fmt.Sprintf("The agent wants to use %s:\n%s", req.Tool, req.Summary))
	m.ReplyMarkup = keyboard
	sent, err := t.bot.Send(m)
	if err != nil {
		t.logger.Error("failed to send approval prompt", "request_id", req.ID, "error", err)
		return
	}
	t.approvalMu.Lock()
	t.approvalMsgs[req.ID] = sentPrompt{chatID: chatID, messageID: sent.MessageID}
	t.approvalMu.Unlock()
}

// NotifyExpired implements approval.Prompter.
func (t *TelegramChannel) NotifyExpired(req approval.Request) {
	t.approvalMu.Lock()
	prompt, ok := t.approvalMsgs[req.ID]
	delete(t.approvalMsgs, req.ID)
	t.approvalMu.Unlock()
	if !ok {
		return
	}
	t.editMessageText(prompt.chatID, prompt.messageID,
		fmt.Sprintf("Permission request for %s expired and was denied.", req.Tool))
}

// handleCallbackQuery resolves approval button presses.
func (t *TelegramChannel) handleCallbackQuery(query *tgbotapi.CallbackQuery) {
	requestID, allow, err := parseApprovalCallback(query.Data)
	if err != nil {
		return
	}

	decision := approval.Decision{Allow: allow, Reason: fmt.Sprintf("via Telegram (%s)", query.From.UserName)}
	handled := t.broker.Resolve(requestID, decision)

	ack := "Done"
	if !handled {
		ack = "Already handled or expired"
	}
	if _, err := t.bot.Request(tgbotapi.NewCallback(query.ID, ack)); err != nil {
		t.logger.Warn("failed to answer callback", "error", err)
	}
	if !handled {
		return
	}

	action := audit.ActionApprovalDeny
	outcome := "Denied"
	if allow {
		action = audit.ActionApprovalAllow
		outcome = "Allowed"
	}
	conv := ""
	if query.Message != nil {
		conv = conversationID(query.Message.Chat.ID)
	}
	audit.Record(action, requestID, decision.Reason, conv)

	t.approvalMu.Lock()
	prompt, ok := t.approvalMsgs[requestID]
	delete(t.approvalMsgs, requestID)
	t.approvalMu.Unlock()
	if ok {
		t.editMessageText(prompt.chatID, prompt.messageID, fmt.Sprintf("%s.", outcome))
	}
}

func (t *TelegramChannel) reply(chatID int64, text string) {
	msg := tgbotapi.NewMessage(chatID, text)
	if _, err := t.bot.Send(msg); err != nil {
		t.logger.Error("failed to send telegram reply", "error", err)
	}
}

func (t *TelegramChannel) editMessageText(chatID int64, messageID int, text string) {
	edit := tgbotapi.NewEditMessageText(chatID, messageID, text)
	if _, err := t.bot.Send(edit); err != nil {
		t.logger.Warn("failed to edit telegram message", "error", err)
	}
}

func formatJobList(list []jobs.Job) string {
	if len(list) == 0 {
		return "No jobs yet. Start one with /spawn <kind> <task>."
	}
	var b strings.Builder
	for _, j := range list {
		fmt.Fprintf(&b, "%s  %s  %s\n  %s\n", j.ID, j.Kind, j.Status, truncateLine(j.Task, 80))
	}
	return strings.TrimRight(b.String(), "\n")
}

func formatJobDetail(j jobs.Job) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Job %s (%s): %s\n", j.ID, j.Kind, j.Status)
	fmt.Fprintf(&b, "Task: %s\n", j.Task)
	fmt.Fprintf(&b, "Started: %s\n", j.StartedAt.Format(time.RFC3339))
	if j.CompletedAt != nil {
		fmt.Fprintf(&b, "Completed: %s\n", j.CompletedAt.Format(time.RFC3339))
	}
	if j.ExitCode != nil {
		fmt.Fprintf(&b, "Exit code: %d\n", *j.ExitCode)
	}
	if tail := strings.TrimSpace(j.Output); tail != "" {
		if len(tail) > 1000 {
			tail = tail[len(tail)-1000:]
		}
		b.WriteString("\n")
		b.WriteString(tail)
	}
	return strings.TrimRight(b.String(), "\n")
}

func truncateLine(s string, maxLen int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}

// chunkMessage splits text into pieces that fit one Telegram message,
// breaking on newlines when possible.
func chunkMessage(text string, maxLen int) []string {
	if len(text) <= maxLen {
		return []string{text}
	}
	var chunks []string
	for len(text) > maxLen {
		cut := strings.LastIndexByte(text[:maxLen], '\n')
		if cut <= 0 {
			cut = maxLen
		}
		chunks = append(chunks, strings.TrimRight(text[:cut], "\n"))
		text = strings.TrimLeft(text[cut:], "\n")
	}
	if text != "" {
		chunks = append(chunks, text)
	}
	return chunks
}

func chatIDFromConversation(conversationID string) (int64, bool) {
	rest, ok := strings.CutPrefix(conversationID, "tg:")
	if !ok {
		return 0, false
	}
	var id int64
	if _, err := fmt.Sscanf(rest, "%d", &id); err != nil {
		return 0, false
	}
	return id, true
}

// parseApprovalCallback parses inline button data of the form
// "apr:<requestID>:allow" or "apr:<requestID>:deny".
func parseApprovalCallback(data string) (requestID string, allow bool, err error) {
	rest, ok := strings.CutPrefix(strings.TrimSpace(data), "apr:")
	if !ok {
		return "", false, fmt.Errorf("not an approval callback")
	}
	idx := strings.LastIndexByte(rest, ':')
	if idx <= 0 {
		return "", false, fmt.Errorf("invalid approval callback format")
	}
	requestID = rest[:idx]
	switch rest[idx+1:] {
	case "allow":
		return requestID, true, nil
	case "deny":
		return requestID, false, nil
	default:
		return "", false, fmt.Errorf("unknown approval action %q", rest[idx+1:])
	}
}
