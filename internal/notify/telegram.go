package notify

import (
	"binance-ladder-bot-go/internal/models"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

// DefaultTelegramURL is the public Bot API endpoint.
const DefaultTelegramURL = "https://api.telegram.org"

const updateOffsetKey = "telegram_update_offset"

// TelegramOptions configures the Telegram channel.
type TelegramOptions struct {
	BaseURL string
	Token   string
	ChatID  string
	Timeout time.Duration
	// Offsets remembers the last consumed update so a command is applied once.
	Offsets MetaStore
}

// Telegram sends messages with sendMessage and reads commands with getUpdates.
// Only messages from the configured chat are accepted as commands.
type Telegram struct {
	baseURL string
	token   string
	chatID  string
	offsets MetaStore
	client  *http.Client
	logger  *zap.Logger
}

// NewTelegram validates the options and builds the channel.
func NewTelegram(opts TelegramOptions, logger *zap.Logger) (*Telegram, error) {
	if opts.Token == "" || opts.ChatID == "" {
		return nil, errors.New("telegram token and chat id are required")
	}
	if opts.BaseURL == "" {
		opts.BaseURL = DefaultTelegramURL
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.Offsets == nil {
		opts.Offsets = NewMemoryMeta()
	}
	return &Telegram{
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
		token:   opts.Token,
		chatID:  opts.ChatID,
		offsets: opts.Offsets,
		client:  &http.Client{Timeout: opts.Timeout},
		logger:  logger,
	}, nil
}

type apiResponse struct {
	OK          bool            `json:"ok"`
	Description string          `json:"description"`
	Result      json.RawMessage `json:"result"`
}

type update struct {
	UpdateID int64 `json:"update_id"`
	Message  *struct {
		Date int64  `json:"date"`
		Text string `json:"text"`
		Chat struct {
			ID int64 `json:"id"`
		} `json:"chat"`
	} `json:"message"`
}

func (t *Telegram) endpoint(method string) string {
	return fmt.Sprintf("%s/bot%s/%s", t.baseURL, t.token, method)
}

func (t *Telegram) call(req *http.Request) (json.RawMessage, error) {
	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("telegram request failed: %w", err)
	}
	defer resp.Body.Close()

	var body apiResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("telegram returned status %d: %w", resp.StatusCode, err)
	}
	if resp.StatusCode != http.StatusOK || !body.OK {
		return nil, fmt.Errorf("telegram error (status %d): %s", resp.StatusCode, body.Description)
	}
	return body.Result, nil
}

// Send posts text to the configured chat.
func (t *Telegram) Send(ctx context.Context, text string) error {
	payload, err := json.Marshal(map[string]string{
		"chat_id": t.chatID,
		"text":    text,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal telegram payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpoint("sendMessage"), bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	_, err = t.call(req)
	return err
}

// PollCommands fetches pending updates and acknowledges them at once.
func (t *Telegram) PollCommands(ctx context.Context) ([]models.Command, error) {
	cmds, ack, err := t.FetchCommands(ctx)
	if err != nil {
		return nil, err
	}
	if err := ack(); err != nil {
		return nil, err
	}
	return cmds, nil
}

// FetchCommands returns the recognized commands in arrival order without
// moving the stored offset. ack advances it past every update seen, commands
// or not; until then the same updates are fetched again.
func (t *Telegram) FetchCommands(ctx context.Context) ([]models.Command, func() error, error) {
	noop := func() error { return nil }
	offset, _ := t.offsets.GetMeta(updateOffsetKey)
	q := url.Values{}
	q.Set("timeout", "0")
	q.Set("allowed_updates", `["message"]`)
	if offset != "" {
		q.Set("offset", offset)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.endpoint("getUpdates")+"?"+q.Encode(), nil)
	if err != nil {
		return nil, noop, err
	}
	raw, err := t.call(req)
	if err != nil {
		return nil, noop, err
	}
	var updates []update
	if err := json.Unmarshal(raw, &updates); err != nil {
		return nil, noop, fmt.Errorf("failed to decode telegram updates: %w", err)
	}
	if len(updates) == 0 {
		return nil, noop, nil
	}

	var (
		cmds []models.Command
		next int64
	)
	for _, u := range updates {
		if u.UpdateID >= next {
			next = u.UpdateID + 1
		}
		if u.Message == nil {
			continue
		}
		if strconv.FormatInt(u.Message.Chat.ID, 10) != t.chatID {
			t.logger.Warn("ignoring message from unknown chat", zap.Int64("chat", u.Message.Chat.ID))
			continue
		}
		typ, ok := models.ParseCommand(u.Message.Text)
		if !ok {
			continue
		}
		cmds = append(cmds, models.Command{
			Type:       typ,
			ReceivedAt: time.Unix(u.Message.Date, 0).UTC(),
			Source:     "telegram",
		})
	}
	ack := func() error {
		if err := t.offsets.SetMeta(updateOffsetKey, strconv.FormatInt(next, 10)); err != nil {
			return fmt.Errorf("failed to store telegram offset: %w", err)
		}
		return nil
	}
	return cmds, ack, nil
}
