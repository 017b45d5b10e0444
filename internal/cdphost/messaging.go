package cdphost

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/chromedp/chromedp"

	"pkt.systems/pageview/internal/logx"
	"pkt.systems/pageview/internal/router"
	"pkt.systems/pageview/schema"
)

// Dispatcher receives messages sent by injected code.
type Dispatcher interface {
	Dispatch(ctx context.Context, msg schema.Message, sender schema.Sender, respond router.Responder) bool
}

// envelope is what injected code passes to the binding. ReplyID is set when
// the sender waits for an asynchronous response.
type envelope struct {
	schema.Message
	ReplyID string `json:"replyId,omitempty"`
}

type evalReply struct {
	Missing bool            `json:"missing"`
	Reply   json.RawMessage `json:"reply"`
}

// SendMessage delivers msg to the tab's content script and returns its reply.
// The error wraps schema.ErrNotPresent when no content script is installed.
func (b *Browser) SendMessage(ctx context.Context, tabID schema.TabID, msg schema.Message) (json.RawMessage, error) {
	expr, err := messageExpr(msg)
	if err != nil {
		return nil, err
	}
	var out evalReply
	if err := b.run(ctx, tabID, chromedp.Evaluate(expr, &out)); err != nil {
		return nil, fmt.Errorf("send %s to tab %s: %w", msg.Event, tabID, err)
	}
	if out.Missing {
		return nil, fmt.Errorf("tab %s: %w", tabID, schema.ErrNotPresent)
	}
	if len(out.Reply) == 0 {
		return json.RawMessage("null"), nil
	}
	return out.Reply, nil
}

func messageExpr(msg schema.Message) (string, error) {
	payload, err := json.Marshal(msg)
	if err != nil {
		return "", fmt.Errorf("encode message: %w", err)
	}
	return `(function (msg) {
  var pv = window.__pageview;
  if (!pv || typeof pv.onMessage !== "function") {
    return { missing: true };
  }
  var reply = pv.onMessage(msg);
  return { missing: false, reply: reply === undefined ? null : reply };
})(` + string(payload) + `)`, nil
}

func responseExpr(replyID string, payload any) (string, error) {
	id, err := json.Marshal(replyID)
	if err != nil {
		return "", err
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("encode response: %w", err)
	}
	return `(function (id, payload) {
  var pv = window.__pageview;
  if (pv && typeof pv.onResponse === "function") {
    pv.onResponse(id, payload);
  }
})(` + string(id) + `, ` + string(body) + `)`, nil
}

func decodeEnvelope(tabID schema.TabID, payload string) (envelope, error) {
	var env envelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		return envelope{}, fmt.Errorf("decode binding payload: %w", schema.ErrInvalidMessage)
	}
	if strings.TrimSpace(string(env.Event)) == "" {
		return envelope{}, fmt.Errorf("binding payload without event: %w", schema.ErrInvalidMessage)
	}
	if env.TabID == "" {
		env.TabID = tabID
	}
	return env, nil
}

func (b *Browser) goHandleBinding(tabID schema.TabID, payload string) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.wg.Add(1)
	b.mu.Unlock()
	go func() {
		defer b.wg.Done()
		b.handleBinding(tabID, payload)
	}()
}

func (b *Browser) handleBinding(tabID schema.TabID, payload string) {
	ctx := logx.ContextWithTab(b.baseCtx, tabID)
	log := logx.WithTab(ctx, tabID)
	env, err := decodeEnvelope(tabID, payload)
	if err != nil {
		log.Warn("browser binding rejected", "err", err)
		return
	}
	b.mu.Lock()
	d := b.dispatcher
	b.mu.Unlock()
	if d == nil {
		log.Warn("browser binding dropped", "reason", "no dispatcher", "event", env.Event)
		return
	}
	tab, err := b.Tab(ctx, tabID)
	if err != nil {
		log.Warn("browser binding sender lookup failed", "err", err)
		return
	}
	ctx = logx.ContextWithTabDomain(ctx, tabID, tab.Domain())
	respond := func(reply any) {
		if env.ReplyID == "" {
			return
		}
		expr, err := responseExpr(env.ReplyID, reply)
		if err != nil {
			log.Warn("browser response encode failed", "err", err)
			return
		}
		if err := b.run(ctx, tabID, chromedp.Evaluate(expr, nil)); err != nil {
			log.Warn("browser response delivery failed", "reply_id", env.ReplyID, "err", err)
		}
	}
	keepOpen := d.Dispatch(ctx, env.Message, schema.Sender{Tab: &tab}, respond)
	log.Trace("browser binding dispatched", "event", env.Event, "async", keepOpen)
}

