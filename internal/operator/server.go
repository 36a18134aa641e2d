// Package operator implements the control front-end (C7): a
// single-client-at-a-time local abstract-namespace UNIX socket that
// translates external commands into internal worker requests and
// collects replies, with a startup check that refuses to bind twice.
package operator

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"time"

	"go.uber.org/zap"

	"github.com/simbiota/agent/internal/observability"
	"github.com/simbiota/agent/internal/worker"
)

const ioTimeout = 60 * time.Second

// socketAddr builds the address string for Linux's abstract socket
// namespace: Go's net package turns the leading '@' into the NUL byte
// that keeps the name out of the filesystem, matching simbiota_protocol::socket_address()'s address family choice.
func socketAddr(name string) string {
	return "@" + name
}

// commandRequest is the wire shape of one control-socket request,
// spec.md §6: `{"command": <variant>}`, where variant is either a bare
// string ("QueryQuarantine") or a single-key object
// ({"RestoreQuarantine":"id_or_path"}).
type commandRequest struct {
	Command json.RawMessage `json:"command"`
}

type manualScanArgs struct {
	Path      string `json:"path"`
	Recursive bool   `json:"recursive"`
}

// commandResponse is the wire shape of one control-socket response,
// spec.md §6: `{"status": ..., "response": ...}`.
type commandResponse struct {
	Status   json.RawMessage `json:"status"`
	Response json.RawMessage `json:"response"`
}

var (
	statusSuccess = json.RawMessage(`"Success"`)
	responseNone  = json.RawMessage(`"None"`)
)

func statusFailure(msg string) json.RawMessage {
	data, _ := json.Marshal(struct {
		Failure string `json:"Failure"`
	}{msg})
	return data
}

func responseQuarantineQuery(pairs [][2]any) json.RawMessage {
	data, _ := json.Marshal(struct {
		QuarantineQueryResponse [][2]any `json:"QuarantineQueryResponse"`
	}{pairs})
	return data
}

func responseQuarantineAction(ok bool) json.RawMessage {
	data, _ := json.Marshal(struct {
		QuarantineActionResponse bool `json:"QuarantineActionResponse"`
	}{ok})
	return data
}

func success(response json.RawMessage) commandResponse {
	return commandResponse{Status: statusSuccess, Response: response}
}

func failure(msg string) commandResponse {
	return commandResponse{Status: statusFailure(msg), Response: responseNone}
}

// Dispatcher is the subset of the decision worker's request channel the
// control front-end needs. Implemented by sending on a chan
// worker.Request and reading the Result back from its Reply channel.
type Dispatcher interface {
	Dispatch(req worker.Request) worker.Result
}

// ChanDispatcher adapts a worker.Request channel into a Dispatcher,
// allocating a fresh reply channel per call so concurrent callers never
// share one (spec.md §9 "a per-client reply channel keyed by a
// monotonic id" — here the channel itself is the key, since Go can pass
// the channel value directly instead of an id lookup table).
type ChanDispatcher chan worker.Request

func (c ChanDispatcher) Dispatch(req worker.Request) worker.Result {
	reply := make(chan worker.Result, 1)
	req.Reply = reply
	c <- req
	return <-reply
}

// Server is the control-socket front-end.
type Server struct {
	name       string
	dispatcher Dispatcher
	log        *zap.Logger
	metrics    *observability.Metrics
}

// NewServer constructs a control-socket server. name is the
// abstract-namespace socket name (spec.md §6 fixes this to "simbiota").
func NewServer(name string, dispatcher Dispatcher, log *zap.Logger, metrics *observability.Metrics) *Server {
	return &Server{name: name, dispatcher: dispatcher, log: log, metrics: metrics}
}

// CheckNotRunning implements spec.md §4.7's startup conflict check: a
// successful connect to the socket address means another daemon is
// live. Exact wording per spec.md §8 scenario 6.
func CheckNotRunning(name string) error {
	conn, err := net.DialTimeout("unix", socketAddr(name), time.Second)
	if err == nil {
		_ = conn.Close()
		return fmt.Errorf("Another instance of SIMBIoTA is already running")
	}
	return nil
}

// ListenAndServe binds the abstract-namespace socket and serves
// connections sequentially — one client at a time — until ctx is
// cancelled. Binding failure (including losing a race against another
// instance) is fatal at the call site per spec.md §7.
func (s *Server) ListenAndServe(ctx context.Context) error {
	lis, err := net.Listen("unix", socketAddr(s.name))
	if err != nil {
		return fmt.Errorf("operator: listen %q: %w", s.name, err)
	}
	defer lis.Close()

	go func() {
		<-ctx.Done()
		_ = lis.Close()
	}()

	s.log.Info("control socket listening", zap.String("name", s.name))

	for {
		conn, err := lis.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return fmt.Errorf("operator: accept: %w", err)
			}
		}
		s.serve(conn)
	}
}

// serve handles exactly one request per connection, sequentially — C7
// is single-client-at-a-time by design (spec.md §4.7).
func (s *Server) serve(conn net.Conn) {
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(ioTimeout))

	reader := bufio.NewReader(conn)
	line, err := reader.ReadBytes('\n')
	if err != nil && len(line) == 0 {
		return
	}

	var req commandRequest
	if err := json.Unmarshal(line, &req); err != nil {
		s.writeResponse(conn, failure(fmt.Sprintf("invalid request: %v", err)))
		return
	}

	resp := s.dispatch(req)
	s.writeResponse(conn, resp)
}

// dispatch decodes the tagged command and translates it into a worker
// request, per spec.md §6's command variants and §4.7 "Commands
// currently honoured".
func (s *Server) dispatch(req commandRequest) commandResponse {
	name, arg, err := decodeCommand(req.Command)
	if err != nil {
		return failure(err.Error())
	}

	if s.metrics != nil {
		s.metrics.ControlCommandsTotal.WithLabelValues(name).Inc()
	}

	switch name {
	case "QueryQuarantine":
		result := s.dispatcher.Dispatch(worker.Request{Cmd: worker.CmdQueryQuarantine})
		if !result.OK {
			return failure(errString(result.Err, "query failed"))
		}
		pairs := make([][2]any, len(result.Entries))
		for i, e := range result.Entries {
			pairs[i] = [2]any{i, e.OriginalPath}
		}
		return success(responseQuarantineQuery(pairs))

	case "RestoreQuarantine":
		result := s.dispatcher.Dispatch(worker.Request{Cmd: worker.CmdRestoreQuarantine, Arg: arg})
		if result.Err != nil {
			return failure(result.Err.Error())
		}
		return success(responseQuarantineAction(result.OK))

	case "DeleteQuarantine":
		result := s.dispatcher.Dispatch(worker.Request{Cmd: worker.CmdDeleteQuarantine, Arg: arg})
		if result.Err != nil {
			return failure(result.Err.Error())
		}
		return success(responseQuarantineAction(result.OK))

	case "ManualScan", "ManualScanStatus", "ManualScanCancel", "Restart":
		// Accepted by the wire schema but not implemented, per spec.md
		// §4.7: "ManualScan* and Restart are accepted by the wire
		// schema but respond with a structured failure."
		return failure("not implemented")

	default:
		return failure(fmt.Sprintf("unknown command %q", name))
	}
}

// decodeCommand extracts the command name and, for the two
// single-argument variants, the id_or_path / ManualScan path. Bare
// string variants ("QueryQuarantine") and single-key object variants
// ({"RestoreQuarantine":"..."}) are both accepted, per spec.md §6.
func decodeCommand(raw json.RawMessage) (name, arg string, err error) {
	var bare string
	if err := json.Unmarshal(raw, &bare); err == nil {
		return bare, "", nil
	}

	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return "", "", fmt.Errorf("invalid command: %w", err)
	}
	for k, v := range obj {
		switch k {
		case "ManualScan":
			var args manualScanArgs
			_ = json.Unmarshal(v, &args)
			return k, args.Path, nil
		default:
			var s string
			if err := json.Unmarshal(v, &s); err != nil {
				return "", "", fmt.Errorf("invalid argument for %q: %w", k, err)
			}
			return k, s, nil
		}
	}
	return "", "", fmt.Errorf("empty command object")
}

func errString(err error, fallback string) string {
	if err != nil {
		return err.Error()
	}
	return fallback
}

func (s *Server) writeResponse(conn net.Conn, resp commandResponse) {
	data, err := json.Marshal(resp)
	if err != nil {
		return
	}
	data = append(data, '\n')
	_, _ = conn.Write(data)
}
