package channels

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/basket/majordomo/internal/persistence"
)

const helpText = `Assistant connected.

How to use:
- Write free text: it becomes a queued task for the agent.
- /status shows the queue state and this chat's mode.
- /mode <name> sets the chat's default mode.
- /reset starts a fresh agent session for this chat.

Tasks run one at a time, in arrival order.`

// chatModes are the accepted /mode arguments.
var chatModes = []string{"auto", "intake", "research", "answer", "finance", "maintenance"}

// TelegramChannel long-polls the Telegram Bot API, turns authorized messages
// into queued tasks, and serves as the worker's outbound delivery port.
type TelegramChannel struct {
	token  string
	store  *persistence.Store
	logger *slog.Logger
	bot    *tgbotapi.BotAPI

	pollTimeout time.Duration

	allowMu      sync.RWMutex
	allowedUsers map[int64]struct{}
	allowedChats map[int64]struct{}
}

func NewTelegramChannel(token string, allowedUserIDs, allowedChatIDs []int64, store *persistence.Store, logger *slog.Logger) *TelegramChannel {
	if logger == nil {
		logger = slog.Default()
	}
	t := &TelegramChannel{
		token:       token,
		store:       store,
		logger:      logger,
		pollTimeout: 25 * time.Second,
	}
	t.UpdateAllowlists(allowedUserIDs, allowedChatIDs)
	return t
}

func (t *TelegramChannel) Name() string {
	return "telegram"
}

// UpdateAllowlists replaces the authorization sets. Called on config reload.
// An empty set means "allow everyone" for that dimension.
func (t *TelegramChannel) UpdateAllowlists(userIDs, chatIDs []int64) {
	users := make(map[int64]struct{}, len(userIDs))
	for _, id := range userIDs {
		users[id] = struct{}{}
	}
	chats := make(map[int64]struct{}, len(chatIDs))
	for _, id := range chatIDs {
		chats[id] = struct{}{}
	}
	t.allowMu.Lock()
	t.allowedUsers = users
	t.allowedChats = chats
	t.allowMu.Unlock()
}

// Start connects the bot and polls updates until ctx is canceled, resuming
// from the persisted inbound cursor. Transient API errors back off and
// reconnect.
func (t *TelegramChannel) Start(ctx context.Context) error {
	var err error
	t.bot, err = tgbotapi.NewBotAPI(t.token)
	if err != nil {
		return fmt.Errorf("telegram init failed: %w", err)
	}
	t.logger.Info("telegram bot started", "user", t.bot.Self.UserName)

	lastUpdateID, err := t.loadCursor(ctx)
	if err != nil {
		return err
	}
	t.logger.Info("polling inbound updates", "from_update_id", lastUpdateID+1)

	backoff := time.Second
	const maxBackoff = 30 * time.Second

	for {
		if err := ctx.Err(); err != nil {
			return nil
		}

		updateConfig := tgbotapi.NewUpdate(lastUpdateID + 1)
		updateConfig.Timeout = int(t.pollTimeout / time.Second)
		updates, pollErr := t.bot.GetUpdates(updateConfig)
		if pollErr != nil {
			t.logger.Warn("telegram poll failed, backing off", "error", pollErr, "backoff", backoff)
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
		backoff = time.Second

		for _, update := range updates {
			if update.UpdateID > lastUpdateID {
				lastUpdateID = update.UpdateID
				if err := t.storeCursor(ctx, lastUpdateID); err != nil {
					t.logger.Error("persist inbound cursor", "error", err)
				}
			}
			if update.Message == nil {
				continue
			}
			t.handleMessage(ctx, update.Message)
		}
	}
}

func (t *TelegramChannel) handleMessage(ctx context.Context, msg *tgbotapi.Message) {
	inbound, ok := t.authorize(msg)
	if !ok {
		return
	}

	if mode, ok := parseModeCommand(inbound.Text); ok {
		t.handleModeCommand(ctx, inbound.ChatID, mode)
		return
	}

	switch inbound.Text {
	case "/start":
		t.sendBestEffort(inbound.ChatID, helpText)
		return
	case "/status":
		t.sendBestEffort(inbound.ChatID, t.renderStatus(ctx, inbound.ChatID))
		return
	case "/reset":
		if err := t.store.ClearChatSessionID(ctx, inbound.ChatID); err != nil {
			t.logger.Error("clear chat session", "chat_id", inbound.ChatID, "error", err)
			t.sendBestEffort(inbound.ChatID, "Could not reset the session, try again.")
			return
		}
		t.sendBestEffort(inbound.ChatID, "Session reset. The next task starts fresh.")
		return
	}

	if inbound.Text == "" && len(inbound.Attachments) == 0 {
		return
	}

	taskID, err := t.store.Enqueue(ctx, inbound.ChatID, inbound.UserID, inbound.Username, inbound.Text, inbound.Attachments)
	if err != nil {
		t.logger.Error("enqueue failed", "chat_id", inbound.ChatID, "error", err)
		t.sendBestEffort(inbound.ChatID, "Could not accept the task, try again.")
		return
	}
	t.logger.Info("task accepted", "task_id", taskID, "chat_id", inbound.ChatID, "user", inbound.Username)
	t.sendBestEffort(inbound.ChatID, fmt.Sprintf("Task accepted: #%d\nProcessing in queue order.", taskID))
}

// authorize validates the raw update once and produces the boundary record.
func (t *TelegramChannel) authorize(msg *tgbotapi.Message) (InboundMessage, bool) {
	if msg.Chat == nil || msg.From == nil {
		return InboundMessage{}, false
	}
	chatID := msg.Chat.ID
	userID := msg.From.ID

	t.allowMu.RLock()
	userAllowed := len(t.allowedUsers) == 0
	if _, ok := t.allowedUsers[userID]; ok {
		userAllowed = true
	}
	chatAllowed := len(t.allowedChats) == 0
	if _, ok := t.allowedChats[chatID]; ok {
		chatAllowed = true
	}
	t.allowMu.RUnlock()

	if !userAllowed || !chatAllowed {
		t.logger.Warn("unauthorized access attempt", "chat_id", chatID, "user_id", userID)
		return InboundMessage{}, false
	}

	text := strings.TrimSpace(msg.Text)
	if text == "" {
		text = strings.TrimSpace(msg.Caption)
	}
	username := msg.From.UserName
	if username == "" {
		username = strings.TrimSpace(msg.From.FirstName + " " + msg.From.LastName)
	}
	if username == "" {
		username = "unknown"
	}

	return InboundMessage{
		ChatID:   chatID,
		UserID:   userID,
		Username: username,
		Text:     text,
	}, true
}

// parseModeCommand extracts the argument of a /mode command, lowercased.
// ok is false when text is not a /mode command at all; a bare /mode yields
// an empty mode.
func parseModeCommand(text string) (mode string, ok bool) {
	if text != "/mode" && !strings.HasPrefix(text, "/mode ") {
		return "", false
	}
	return strings.ToLower(strings.TrimSpace(strings.TrimPrefix(text, "/mode"))), true
}

func isValidMode(mode string) bool {
	for _, m := range chatModes {
		if m == mode {
			return true
		}
	}
	return false
}

func (t *TelegramChannel) handleModeCommand(ctx context.Context, chatID int64, mode string) {
	if mode == "" {
		current, err := t.store.ChatMode(ctx, chatID)
		if err != nil {
			t.logger.Error("read chat mode", "chat_id", chatID, "error", err)
			t.sendBestEffort(chatID, "Could not read the mode, try again.")
			return
		}
		t.sendBestEffort(chatID, fmt.Sprintf("Current mode: %s\nAvailable: %s", current, strings.Join(chatModes, ", ")))
		return
	}
	if !isValidMode(mode) {
		t.sendBestEffort(chatID, fmt.Sprintf("Unknown mode %q.\nAvailable: %s", mode, strings.Join(chatModes, ", ")))
		return
	}
	if err := t.store.SetChatMode(ctx, chatID, mode); err != nil {
		t.logger.Error("set chat mode", "chat_id", chatID, "error", err)
		t.sendBestEffort(chatID, "Could not change the mode, try again.")
		return
	}
	t.sendBestEffort(chatID, fmt.Sprintf("Default mode set: %s", mode))
}

func (t *TelegramChannel) renderStatus(ctx context.Context, chatID int64) string {
	counts, err := t.store.Counts(ctx)
	if err != nil {
		t.logger.Error("queue counts", "error", err)
		return "Queue state unavailable."
	}
	mode, err := t.store.ChatMode(ctx, chatID)
	if err != nil {
		t.logger.Error("read chat mode", "chat_id", chatID, "error", err)
		mode = "auto"
	}
	return fmt.Sprintf(
		"Queue state:\n- mode: %s\n- pending: %d\n- running: %d\n- done: %d\n- failed: %d",
		mode, counts.Pending, counts.Running, counts.Done, counts.Failed,
	)
}

// SendText delivers one text message to the chat.
func (t *TelegramChannel) SendText(ctx context.Context, chatID int64, text string) error {
	_ = ctx
	msg := tgbotapi.NewMessage(chatID, text)
	if _, err := t.bot.Send(msg); err != nil {
		return fmt.Errorf("send message to chat %d: %w", chatID, err)
	}
	return nil
}

// SendFile uploads one file as a document, with an upload indicator first.
func (t *TelegramChannel) SendFile(ctx context.Context, chatID int64, path string) error {
	_ = ctx
	action := tgbotapi.NewChatAction(chatID, tgbotapi.ChatUploadDocument)
	if _, err := t.bot.Request(action); err != nil {
		t.logger.Warn("upload indicator failed", "chat_id", chatID, "error", err)
	}
	doc := tgbotapi.NewDocument(chatID, tgbotapi.FilePath(path))
	if _, err := t.bot.Send(doc); err != nil {
		return fmt.Errorf("send file to chat %d: %w", chatID, err)
	}
	return nil
}

// SendTyping shows the typing indicator. Best-effort by contract.
func (t *TelegramChannel) SendTyping(ctx context.Context, chatID int64) error {
	_ = ctx
	action := tgbotapi.NewChatAction(chatID, tgbotapi.ChatTyping)
	if _, err := t.bot.Request(action); err != nil {
		return fmt.Errorf("typing indicator for chat %d: %w", chatID, err)
	}
	return nil
}

func (t *TelegramChannel) sendBestEffort(chatID int64, text string) {
	if err := t.SendText(context.Background(), chatID, text); err != nil {
		t.logger.Error("reply failed", "chat_id", chatID, "error", err)
	}
}

func (t *TelegramChannel) loadCursor(ctx context.Context) (int, error) {
	raw, err := t.store.GetMeta(ctx, persistence.MetaKeyLastUpdateID, "0")
	if err != nil {
		return 0, fmt.Errorf("load inbound cursor: %w", err)
	}
	cursor, err := strconv.Atoi(raw)
	if err != nil {
		t.logger.Warn("malformed inbound cursor, restarting from zero", "value", raw)
		return 0, nil
	}
	return cursor, nil
}

func (t *TelegramChannel) storeCursor(ctx context.Context, updateID int) error {
	return t.store.SetMeta(ctx, persistence.MetaKeyLastUpdateID, strconv.Itoa(updateID))
}
