// Package notify renders and sends push notifications, healing stale
// destination routes along the way.
package notify

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"golang.org/x/time/rate"

	"biliradar/internal/bili"
	"biliradar/internal/storage"
	"biliradar/internal/transport"
	logx "biliradar/pkg/logx"
)

// DefaultTemplate is used when push.template is omitted.
const DefaultTemplate = "🎬 {author} uploaded a new video\n{title}\n{url}"

type Config struct {
	// Template supports {title}, {author}, {bvid} and {url}.
	Template string
	// RatePerSec caps outbound sends; <=0 means unlimited.
	RatePerSec int
}

// Service delivers rendered notifications to destinations.
type Service struct {
	adapter transport.Adapter
	store   storage.Store
	log     logx.Logger

	mu      sync.Mutex
	tmpl    string
	limiter *rate.Limiter
}

func New(cfg Config, adapter transport.Adapter, store storage.Store, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{adapter: adapter, store: store, log: log}
	s.Apply(cfg)
	return s
}

// Apply swaps the template and rate limit at runtime (hot reload).
func (s *Service) Apply(cfg Config) {
	tmpl := cfg.Template
	if tmpl == "" {
		tmpl = DefaultTemplate
	}
	lim := rate.NewLimiter(rate.Inf, 1)
	if cfg.RatePerSec > 0 {
		lim = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
	}
	s.mu.Lock()
	s.tmpl = tmpl
	s.limiter = lim
	s.mu.Unlock()
}

// Deliver sends one notification about item to destination. If the chat
// behind the destination has migrated, it retries the new chat once and
// persists the updated route.
func (s *Service) Deliver(ctx context.Context, destination string, item *bili.Item) error {
	target, err := s.resolve(ctx, destination)
	if err != nil {
		return err
	}

	s.mu.Lock()
	tmpl := s.tmpl
	lim := s.limiter
	s.mu.Unlock()

	if err := lim.Wait(ctx); err != nil {
		return err
	}

	text := Render(tmpl, item)
	_, err = s.adapter.SendText(ctx, target, text, &transport.SendOptions{})

	var migrated *transport.ChatMigratedError
	if errors.As(err, &migrated) {
		s.log.Warn("destination chat migrated, rerouting",
			logx.String("destination", destination),
			logx.Int64("old_chat", migrated.OldChatID),
			logx.Int64("new_chat", migrated.NewChatID))
		if serr := s.store.SetDestinationChat(ctx, destination, migrated.NewChatID, target.ThreadID); serr != nil {
			s.log.Error("persist migrated route", logx.Err(serr))
		}
		target.ChatID = migrated.NewChatID
		_, err = s.adapter.SendText(ctx, target, text, &transport.SendOptions{})
	}
	return err
}

// resolve maps a destination string to a chat target, preferring a stored
// override (written after a migration) over the string itself.
func (s *Service) resolve(ctx context.Context, destination string) (transport.ChatTarget, error) {
	chatID, threadID, ok, err := s.store.ResolveDestination(ctx, destination)
	if err != nil {
		return transport.ChatTarget{}, err
	}
	if ok {
		return transport.ChatTarget{ChatID: chatID, ThreadID: threadID}, nil
	}
	return ParseDestination(destination)
}

// ParseDestination decodes "chatID" or "chatID:threadID".
func ParseDestination(destination string) (transport.ChatTarget, error) {
	chatPart, threadPart, hasThread := strings.Cut(destination, ":")
	chatID, err := strconv.ParseInt(chatPart, 10, 64)
	if err != nil {
		return transport.ChatTarget{}, fmt.Errorf("bad destination %q: %w", destination, err)
	}
	var threadID int
	if hasThread {
		threadID, err = strconv.Atoi(threadPart)
		if err != nil {
			return transport.ChatTarget{}, fmt.Errorf("bad destination %q: %w", destination, err)
		}
	}
	return transport.ChatTarget{ChatID: chatID, ThreadID: threadID}, nil
}

// DestinationFor encodes a chat target into the ledger's destination key.
func DestinationFor(chatID int64, threadID int) string {
	if threadID != 0 {
		return strconv.FormatInt(chatID, 10) + ":" + strconv.Itoa(threadID)
	}
	return strconv.FormatInt(chatID, 10)
}

// Render fills the placeholders of tmpl from item.
func Render(tmpl string, item *bili.Item) string {
	r := strings.NewReplacer(
		"{title}", item.Title,
		"{author}", item.Author,
		"{bvid}", item.BVID,
		"{url}", item.URL(),
	)
	return r.Replace(tmpl)
}
