package proxy

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"time"

	log "github.com/charmbracelet/log"
	"github.com/gorilla/websocket"
)

const (
	wsReadTimeout  = 60 * time.Second
	wsPingInterval = 25 * time.Second
	wsWriteTimeout = 5 * time.Second
)

type usageUpdate struct {
	TotalTokens int64 `json:"total_tokens"`
}

var usageUpgrader = websocket.Upgrader{
	CheckOrigin: func(req *http.Request) bool {
		origin := strings.TrimSpace(req.Header.Get("Origin"))
		if origin == "" {
			return true
		}
		u, err := url.Parse(origin)
		if err != nil {
			return false
		}
		return strings.EqualFold(u.Host, req.Host)
	},
}

// handleUsageWebsocket pushes the running token total on connect and after
// every change. Client messages are read only to notice disconnects.
func (s *Server) handleUsageWebsocket(w http.ResponseWriter, r *http.Request) {
	conn, err := usageUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
	})

	updates, unsubscribe := s.metrics.Subscribe()
	defer unsubscribe()

	send := func(total int64) error {
		msg, err := json.Marshal(usageUpdate{TotalTokens: total})
		if err != nil {
			return err
		}
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		return conn.WriteMessage(websocket.TextMessage, msg)
	}
	if err := send(s.metrics.TotalTokens()); err != nil {
		return
	}

	pingTicker := time.NewTicker(wsPingInterval)
	defer pingTicker.Stop()
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
	for {
		select {
		case <-done:
			return
		case <-r.Context().Done():
			return
		case <-pingTicker.C:
			if err := conn.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(wsWriteTimeout)); err != nil {
				return
			}
		case total, ok := <-updates:
			if !ok {
				return
			}
			if err := send(total); err != nil {
				log.Debug("usage websocket send failed", "err", err)
				return
			}
		}
	}
}
