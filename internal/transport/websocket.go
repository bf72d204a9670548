package transport

import (
	"io"

	"github.com/gorilla/websocket"
)

// wsStream adapts a websocket connection to io.ReadWriteCloser so the
// shared framing code can run over it. Reads concatenate successive
// binary messages into one byte stream; writes emit one binary message
// per call.
type wsStream struct {
	ws     *websocket.Conn
	reader io.Reader
}

func (w *wsStream) Read(p []byte) (int, error) {
	for {
		if w.reader == nil {
			_, r, err := w.ws.NextReader()
			if err != nil {
				return 0, err
			}
			w.reader = r
		}
		n, err := w.reader.Read(p)
		if err == io.EOF {
			w.reader = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

func (w *wsStream) Write(p []byte) (int, error) {
	if err := w.ws.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (w *wsStream) Close() error {
	return w.ws.Close()
}

// NewWebSocket frames messages over an upgraded websocket connection.
// Both dialed and accepted connections work.
func NewWebSocket(ws *websocket.Conn) *Stream {
	return NewRaw(&wsStream{ws: ws})
}
