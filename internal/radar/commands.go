// Package radar implements the /radar chat commands that manage uploader
// subscriptions.
package radar

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"biliradar/internal/bili"
	"biliradar/internal/notify"
	"biliradar/internal/storage"
	"biliradar/internal/transport"
	logx "biliradar/pkg/logx"
)

const usage = `radar commands:
/radar add <mid> - watch an uploader in this chat
/radar del <mid> - stop watching
/radar list - show watched uploaders
/radar on <mid> | off <mid> - toggle a watch
/radar test <mid> - fetch and push the latest video now`

// Fetcher is the uploader lookup used for seeding and /radar test.
type Fetcher interface {
	LatestVideo(ctx context.Context, mid int64) (*bili.Item, error)
}

// Deliverer pushes a rendered notification.
type Deliverer interface {
	Deliver(ctx context.Context, destination string, item *bili.Item) error
}

// Permissions gates the mutating commands.
type Permissions struct {
	// AdminOnly restricts add/del/on/off/test to Owners and Allowlist.
	AdminOnly bool
	Owners    []int64
	Allowlist []int64
}

// Handler parses and executes /radar commands.
type Handler struct {
	store   storage.Store
	fetch   Fetcher
	push    Deliverer
	adapter transport.Adapter
	log     logx.Logger

	mu    sync.Mutex
	perms Permissions
}

func NewHandler(perms Permissions, store storage.Store, fetch Fetcher, push Deliverer, adapter transport.Adapter, log logx.Logger) *Handler {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Handler{
		store:   store,
		fetch:   fetch,
		push:    push,
		adapter: adapter,
		log:     log,
		perms:   perms,
	}
}

// Apply swaps the permission set at runtime (hot reload).
func (h *Handler) Apply(perms Permissions) {
	h.mu.Lock()
	h.perms = perms
	h.mu.Unlock()
}

// HandleMessage executes msg if it is a /radar command; other messages are
// ignored. The reply (if any) goes back to the message's chat and thread.
func (h *Handler) HandleMessage(ctx context.Context, msg transport.Message) {
	cmd, arg, ok := parseCommand(msg.Text)
	if !ok {
		return
	}
	reply := h.run(ctx, msg, cmd, arg)
	if reply == "" {
		return
	}
	target := transport.ChatTarget{ChatID: msg.ChatID, ThreadID: msg.ThreadID}
	if _, err := h.adapter.SendText(ctx, target, reply, &transport.SendOptions{DisablePreview: true}); err != nil {
		h.log.Error("command reply", logx.Int64("chat", msg.ChatID), logx.Err(err))
	}
}

func (h *Handler) run(ctx context.Context, msg transport.Message, cmd, arg string) string {
	dest := notify.DestinationFor(msg.ChatID, msg.ThreadID)

	switch cmd {
	case "", "help":
		return usage
	case "list":
		return h.list(ctx, dest)
	}

	if !h.allowed(msg.FromID) {
		h.log.Warn("command denied",
			logx.String("cmd", cmd),
			logx.Int64("user", msg.FromID),
			logx.Int64("chat", msg.ChatID))
		return "you are not allowed to manage watches here"
	}

	mid, err := strconv.ParseInt(arg, 10, 64)
	if err != nil || mid <= 0 {
		return "usage: /radar " + cmd + " <mid>"
	}

	switch cmd {
	case "add":
		return h.add(ctx, dest, mid)
	case "del":
		return h.del(ctx, dest, mid)
	case "on":
		return h.toggle(ctx, dest, mid, true)
	case "off":
		return h.toggle(ctx, dest, mid, false)
	case "test":
		return h.test(ctx, dest, mid)
	default:
		return usage
	}
}

func (h *Handler) allowed(userID int64) bool {
	h.mu.Lock()
	perms := h.perms
	h.mu.Unlock()
	if !perms.AdminOnly {
		return true
	}
	for _, id := range perms.Owners {
		if id == userID {
			return true
		}
	}
	for _, id := range perms.Allowlist {
		if id == userID {
			return true
		}
	}
	return false
}

// add subscribes the chat to an uploader. The watermark is seeded from the
// uploader's current latest video so only future uploads are pushed. A
// failed seed fetch still adds the watch; the first successful poll sets
// the baseline instead.
func (h *Handler) add(ctx context.Context, dest string, mid int64) string {
	sub := storage.Subscription{Destination: dest, MID: mid, Enabled: true}

	sctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	item, err := h.fetch.LatestVideo(sctx, mid)
	cancel()
	switch {
	case err != nil:
		h.log.Warn("seed fetch failed, adding unseeded",
			logx.Int64("mid", mid), logx.Err(err))
	case item != nil:
		sub.Uname = item.Author
		sub.LastBVID = item.BVID
		sub.LastCreatedTS = item.CreatedTS
	}

	if _, err := h.store.AddSubscription(ctx, sub); err != nil {
		if errors.Is(err, storage.ErrAlreadyExists) {
			return fmt.Sprintf("uploader %d is already watched here", mid)
		}
		h.log.Error("add subscription", logx.Int64("mid", mid), logx.Err(err))
		return "failed to add the watch, try again later"
	}

	name := sub.Uname
	if name == "" {
		name = strconv.FormatInt(mid, 10)
	}
	return fmt.Sprintf("watching %s (mid %d); new uploads will be pushed here", name, mid)
}

func (h *Handler) del(ctx context.Context, dest string, mid int64) string {
	if err := h.store.RemoveSubscription(ctx, dest, mid); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return fmt.Sprintf("uploader %d is not watched here", mid)
		}
		h.log.Error("remove subscription", logx.Int64("mid", mid), logx.Err(err))
		return "failed to remove the watch, try again later"
	}
	return fmt.Sprintf("stopped watching uploader %d", mid)
}

func (h *Handler) toggle(ctx context.Context, dest string, mid int64, enabled bool) string {
	if err := h.store.SetEnabled(ctx, dest, mid, enabled); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return fmt.Sprintf("uploader %d is not watched here", mid)
		}
		h.log.Error("toggle subscription", logx.Int64("mid", mid), logx.Err(err))
		return "failed to update the watch, try again later"
	}
	if enabled {
		return fmt.Sprintf("watch for uploader %d is on", mid)
	}
	return fmt.Sprintf("watch for uploader %d is off", mid)
}

func (h *Handler) list(ctx context.Context, dest string) string {
	subs, err := h.store.ListSubscriptions(ctx, dest)
	if err != nil {
		h.log.Error("list subscriptions", logx.Err(err))
		return "failed to list watches, try again later"
	}
	if len(subs) == 0 {
		return "no uploaders watched here; use /radar add <mid>"
	}

	var b strings.Builder
	b.WriteString("watched uploaders:\n")
	for _, sub := range subs {
		state := "on"
		if !sub.Enabled {
			state = "off"
		}
		name := sub.Uname
		if name == "" {
			name = "?"
		}
		fmt.Fprintf(&b, "• %s (mid %d) [%s]", name, sub.MID, state)
		if sub.LastBVID != "" {
			fmt.Fprintf(&b, " last: %s", sub.LastBVID)
		}
		b.WriteByte('\n')
	}
	return strings.TrimRight(b.String(), "\n")
}

// test fetches the uploader's latest video and pushes it immediately,
// bypassing the watermark and the delivery ledger. Watermarks are not
// touched, so the scheduled cycle is unaffected.
func (h *Handler) test(ctx context.Context, dest string, mid int64) string {
	fctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	item, err := h.fetch.LatestVideo(fctx, mid)
	cancel()
	if err != nil {
		return "fetch failed: " + bili.Classify(err)
	}
	if item == nil {
		return fmt.Sprintf("uploader %d has no videos", mid)
	}
	if err := h.push.Deliver(ctx, dest, item); err != nil {
		h.log.Error("test push", logx.Int64("mid", mid), logx.Err(err))
		return "push failed, check the logs"
	}
	return "" // the pushed notification is the reply
}

// parseCommand splits "/radar <cmd> [arg]". It tolerates a bot-name suffix
// on the command ("/radar@mybot add 1").
func parseCommand(text string) (cmd, arg string, ok bool) {
	fields := strings.Fields(strings.TrimSpace(text))
	if len(fields) == 0 {
		return "", "", false
	}
	head := fields[0]
	if at := strings.IndexByte(head, '@'); at > 0 {
		head = head[:at]
	}
	if head != "/radar" {
		return "", "", false
	}
	if len(fields) > 1 {
		cmd = strings.ToLower(fields[1])
	}
	if len(fields) > 2 {
		arg = fields[2]
	}
	return cmd, arg, true
}
