package ipc

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"math"
	"net/http"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/creack/pty"
	"nhooyr.io/websocket"
)

const maxWSReadBytes = 1 << 20

type ptyMessage struct {
	Type string `json:"type"`
	Data string `json:"data,omitempty"`
	Rows int    `json:"rows,omitempty"`
	Cols int    `json:"cols,omitempty"`
}

// handleTerminal bridges the browser terminal to an interactive shell PTY.
// Input typed here is the user acting by hand, so carriage returns reset the
// agent's loop counters.
func (s *Server) handleTerminal(w http.ResponseWriter, r *http.Request) {
	sessionID := strings.TrimSpace(r.URL.Query().Get("sessionId"))
	if sessionID == "" {
		httpError(w, "session id required", http.StatusBadRequest)
		return
	}
	if err := s.authorize(r, sessionID); err != nil {
		respondError(w, http.StatusUnauthorized, err)
		return
	}
	sess, ok := s.sessions.Get(sessionID)
	if !ok {
		httpError(w, "session not found", http.StatusNotFound)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		s.logServer("terminal_accept_failed", err.Error(), nil)
		return
	}
	conn.SetReadLimit(maxWSReadBytes)
	metricTerminalConns.Inc()
	defer metricTerminalConns.Dec()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	startWSPing(ctx, conn)

	cmd := buildShellCommand(sess.Workdir)
	ptmx, err := startPTY(cmd, r)
	if err != nil {
		_ = conn.Write(ctx, websocket.MessageText, marshalPTYError(err))
		conn.Close(websocket.StatusInternalError, err.Error())
		return
	}
	defer func() {
		_ = ptmx.Close()
	}()

	// Copy PTY output to websocket
	outputDone := make(chan struct{})
	go func() {
		defer close(outputDone)
		buffer := make([]byte, 4096)
		for {
			n, readErr := ptmx.Read(buffer)
			if n > 0 {
				packet := ptyMessage{
					Type: "data",
					Data: base64.StdEncoding.EncodeToString(buffer[:n]),
				}
				if payload, mErr := json.Marshal(packet); mErr == nil {
					writeCtx, writeCancel := context.WithTimeout(ctx, 10*time.Second)
					_ = conn.Write(writeCtx, websocket.MessageText, payload)
					writeCancel()
				}
			}
			if readErr != nil {
				packet := ptyMessage{Type: "exit"}
				if payload, mErr := json.Marshal(packet); mErr == nil {
					_ = conn.Write(ctx, websocket.MessageText, payload)
				}
				return
			}
		}
	}()

	// Read inbound websocket messages
receiveLoop:
	for {
		messageType, data, err := conn.Read(ctx)
		if err != nil {
			break
		}
		if messageType != websocket.MessageText {
			continue
		}

		var msg ptyMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}

		switch msg.Type {
		case "input":
			if msg.Data == "" {
				continue
			}
			raw, err := base64.StdEncoding.DecodeString(msg.Data)
			if err != nil {
				continue
			}
			if strings.ContainsAny(string(raw), "\r\n") {
				// The user ran something by hand.
				sess.Controller.ManualCommandRun()
			}
			sess.Controller.Liveness().Touch()
			_, _ = ptmx.Write(raw)
		case "resize":
			if msg.Rows <= 0 || msg.Cols <= 0 {
				continue
			}
			rows, okRows := intToUint16(msg.Rows)
			cols, okCols := intToUint16(msg.Cols)
			if !okRows || !okCols {
				continue
			}
			_ = pty.Setsize(ptmx, &pty.Winsize{
				Rows: rows,
				Cols: cols,
			})
		case "close":
			break receiveLoop
		default:
			// ignore unknown message types
		}
	}

	cancel()
	<-outputDone
	_ = conn.Close(websocket.StatusNormalClosure, "terminal closed")
}

func buildShellCommand(workdir string) *exec.Cmd {
	userShell := os.Getenv("SHELL")
	if userShell == "" {
		userShell = "/bin/bash"
	}
	cmd := exec.Command(userShell, "-l")
	cmd.Dir = workdir
	cmd.Env = os.Environ()
	return cmd
}

func startPTY(cmd *exec.Cmd, r *http.Request) (*os.File, error) {
	rows, cols := parseSize(r)
	rows16, okRows := intToUint16(rows)
	cols16, okCols := intToUint16(cols)
	if okRows && okCols {
		return pty.StartWithSize(cmd, &pty.Winsize{
			Rows: rows16,
			Cols: cols16,
		})
	}
	return pty.Start(cmd)
}

func parseSize(r *http.Request) (rows, cols int) {
	query := r.URL.Query()
	rows, _ = strconv.Atoi(query.Get("rows"))
	cols, _ = strconv.Atoi(query.Get("cols"))
	return
}

func intToUint16(value int) (uint16, bool) {
	if value <= 0 || value > math.MaxUint16 {
		return 0, false
	}
	return uint16(value), true
}

func marshalPTYError(err error) []byte {
	packet := ptyMessage{
		Type: "error",
		Data: err.Error(),
	}
	payload, _ := json.Marshal(packet)
	return payload
}
