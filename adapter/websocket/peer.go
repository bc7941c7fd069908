package websocket

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// peer pumps frames for one WebSocket. The write loop is the only writer of data
// frames; control frames and Close may come from any goroutine.
type peer struct {
	conn *websocket.Conn
	cfg  Config

	send     chan []byte
	quit     chan struct{}
	quitOnce sync.Once
	local    atomic.Bool
	wg       sync.WaitGroup

	onData  func([]byte)
	onClose func(p *peer, err error)
}

func newPeer(conn *websocket.Conn, cfg Config, onData func([]byte), onClose func(*peer, error)) *peer {
	conn.SetReadLimit(cfg.MaxMessageSize)
	return &peer{
		conn:    conn,
		cfg:     cfg,
		send:    make(chan []byte, cfg.OutboxSize),
		quit:    make(chan struct{}),
		onData:  onData,
		onClose: onClose,
	}
}

func (p *peer) start() {
	if p.cfg.ReadTimeout > 0 {
		_ = p.conn.SetReadDeadline(time.Now().Add(p.cfg.ReadTimeout))
		p.conn.SetPongHandler(func(string) error {
			return p.conn.SetReadDeadline(time.Now().Add(p.cfg.ReadTimeout))
		})
	}
	p.wg.Add(2)
	go p.readLoop()
	go p.writeLoop()
}

// enqueue reports false when the peer is closing or its queue is full.
func (p *peer) enqueue(data []byte) bool {
	select {
	case <-p.quit:
		return false
	default:
	}
	select {
	case p.send <- data:
		return true
	default:
		return false
	}
}

// close flushes queued frames, sends a close frame and waits for both loops.
func (p *peer) close() {
	p.local.Store(true)
	p.stop()
	p.wg.Wait()
}

func (p *peer) stop() {
	p.quitOnce.Do(func() { close(p.quit) })
}

func (p *peer) readLoop() {
	defer p.wg.Done()
	for {
		_, data, err := p.conn.ReadMessage()
		if err != nil {
			_ = p.conn.Close()
			p.stop()
			if !p.local.Load() && p.onClose != nil {
				if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					err = nil
				}
				p.onClose(p, err)
			}
			return
		}
		if p.cfg.ReadTimeout > 0 {
			_ = p.conn.SetReadDeadline(time.Now().Add(p.cfg.ReadTimeout))
		}
		p.onData(data)
	}
}

func (p *peer) writeLoop() {
	defer p.wg.Done()
	ticker := p.pingTicker()
	defer ticker.Stop()

	for {
		select {
		case <-p.quit:
		drain:
			for {
				select {
				case data := <-p.send:
					if p.write(data) != nil {
						break drain
					}
				default:
					break drain
				}
			}
			_ = p.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			_ = p.conn.Close()
			return
		case <-ticker.C:
			_ = p.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(time.Second))
		case data := <-p.send:
			if err := p.write(data); err != nil {
				_ = p.conn.Close()
			}
		}
	}
}

func (p *peer) write(data []byte) error {
	if p.cfg.WriteTimeout > 0 {
		_ = p.conn.SetWriteDeadline(time.Now().Add(p.cfg.WriteTimeout))
	}
	return p.conn.WriteMessage(websocket.TextMessage, data)
}

func (p *peer) pingTicker() *time.Ticker {
	if p.cfg.PingInterval > 0 {
		return time.NewTicker(p.cfg.PingInterval)
	}
	// a stopped ticker never fires
	ticker := time.NewTicker(time.Hour)
	ticker.Stop()
	return ticker
}
