package storeapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"purchasekit/internal/models"
)

type feedEntry struct {
	SignedTransaction string              `json:"signedTransaction,omitempty"`
	Transaction       *models.Transaction `json:"transaction,omitempty"`
}

type feedMessage struct {
	Transactions []feedEntry `json:"transactions"`
}

// Observe registers handler for every transaction batch received on the feed.
func (c *Client) Observe(handler func([]models.Transaction)) func() {
	c.obsMu.Lock()
	id := c.nextObsID
	c.nextObsID++
	c.observers[id] = handler
	c.obsMu.Unlock()

	return func() {
		c.obsMu.Lock()
		delete(c.observers, id)
		c.obsMu.Unlock()
	}
}

// Run keeps the transaction feed connected until ctx is cancelled.
func (c *Client) Run(ctx context.Context) error {
	backoff := c.reconnectMin
	for {
		connected, err := c.consumeFeed(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if connected {
			backoff = c.reconnectMin
		}
		c.logger.Errorf("storeapi: feed disconnected: %v (retry in %s)", err, backoff)

		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		backoff *= 2
		if backoff > c.reconnectMax {
			backoff = c.reconnectMax
		}
	}
}

func (c *Client) feedURL() string {
	u := *c.base
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/v1/transactions/feed"
	return u.String()
}

func (c *Client) consumeFeed(ctx context.Context) (bool, error) {
	token, err := c.bearerToken()
	if err != nil {
		return false, err
	}
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)

	dialer := websocket.Dialer{HandshakeTimeout: c.requestTimeout}
	conn, resp, err := dialer.DialContext(ctx, c.feedURL(), header)
	if err != nil {
		if resp != nil {
			return false, fmt.Errorf("dial feed: %s: %w", resp.Status, err)
		}
		return false, fmt.Errorf("dial feed: %w", err)
	}
	defer conn.Close()
	c.logger.Infof("storeapi: transaction feed connected")

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			conn.Close()
		case <-stop:
		}
	}()

	for {
		var msg feedMessage
		if err := conn.ReadJSON(&msg); err != nil {
			var syntaxErr *json.SyntaxError
			if errors.As(err, &syntaxErr) {
				c.logger.Errorf("storeapi: malformed feed message: %v", err)
				continue
			}
			return true, err
		}
		batch := c.decodeBatch(ctx, msg)
		if len(batch) > 0 {
			c.dispatch(batch)
		}
	}
}

func (c *Client) decodeBatch(ctx context.Context, msg feedMessage) []models.Transaction {
	batch := make([]models.Transaction, 0, len(msg.Transactions))
	for _, entry := range msg.Transactions {
		switch {
		case entry.SignedTransaction != "":
			txn, err := c.DecodeSignedTransaction(ctx, entry.SignedTransaction)
			if err != nil {
				c.logger.Errorf("storeapi: drop transaction with invalid signature: %v", err)
				continue
			}
			batch = append(batch, txn)
		case entry.Transaction != nil && c.allowUnsigned:
			batch = append(batch, *entry.Transaction)
		case entry.Transaction != nil:
			c.logger.Errorf("storeapi: drop unsigned transaction %s", entry.Transaction.ID)
		}
	}
	return batch
}

func (c *Client) dispatch(batch []models.Transaction) {
	c.obsMu.Lock()
	handlers := make([]func([]models.Transaction), 0, len(c.observers))
	for _, h := range c.observers {
		handlers = append(handlers, h)
	}
	c.obsMu.Unlock()

	for _, h := range handlers {
		h(batch)
	}
}
