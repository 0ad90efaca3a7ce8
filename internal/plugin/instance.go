package plugin

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/fablehost/fable/internal/protocol"
)

// ErrPluginExited is returned by send when the subprocess is gone before a
// response arrived.
var ErrPluginExited = errors.New("plugin process exited")

const killGracePeriod = 2 * time.Second

// maxLineBytes bounds a single envelope line from a plugin.
const maxLineBytes = 4 << 20

type process interface {
	Interrupt() error
	Kill() error
	Wait() error
}

type execProcess struct {
	cmd *exec.Cmd
}

func (p execProcess) Interrupt() error {
	if p.cmd.Process == nil {
		return nil
	}
	return p.cmd.Process.Signal(os.Interrupt)
}

func (p execProcess) Kill() error {
	if p.cmd.Process == nil {
		return nil
	}
	return p.cmd.Process.Kill()
}

func (p execProcess) Wait() error {
	return p.cmd.Wait()
}

// Instance owns one plugin subprocess: its stdin write side, the background
// stdout reader, and the table of in-flight requests awaiting a response.
type Instance struct {
	path   string
	proc   process
	stdin  io.WriteCloser
	logger *log.Logger

	// writeMu serializes writers so one full line hits the pipe at a time.
	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[protocol.RequestID]chan *protocol.Response

	done     chan struct{}
	doneOnce sync.Once
}

// startInstance spawns the executable with piped stdin/stdout. Stderr is
// inherited so plugin diagnostics land in the operator's log stream.
func startInstance(path string, logger *log.Logger) (*Instance, error) {
	cmd := exec.Command(path)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	cmd.Stderr = os.Stderr
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("spawn plugin %s: %w", path, err)
	}
	return newInstance(path, stdin, stdout, execProcess{cmd: cmd}, logger), nil
}

// newInstance wires an instance over arbitrary pipes and starts the reader.
// Tests use this to script the plugin side in-process.
func newInstance(path string, stdin io.WriteCloser, stdout io.Reader, proc process, logger *log.Logger) *Instance {
	if logger == nil {
		logger = log.Default()
	}
	inst := &Instance{
		path:    path,
		proc:    proc,
		stdin:   stdin,
		logger:  logger,
		pending: map[protocol.RequestID]chan *protocol.Response{},
		done:    make(chan struct{}),
	}
	go inst.readLoop(stdout)
	return inst
}

// readLoop is the single background reader for the instance's lifetime. It
// resolves responses by id, logs notifications, and warns on plugin-to-host
// requests, which are not supported.
func (i *Instance) readLoop(stdout io.Reader) {
	defer i.markDone()
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineBytes)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		msg, err := protocol.Decode(line)
		if err != nil {
			// Not fatal: plugins may emit stray output on stdout.
			i.logger.Printf("plugin %s: ignoring undecodable line: %v", i.path, err)
			continue
		}
		switch m := msg.(type) {
		case *protocol.Response:
			i.resolve(m)
		case *protocol.Notification:
			i.logger.Printf("plugin %s: notification method=%s", i.path, m.Method)
		case *protocol.Request:
			i.logger.Printf("plugin %s: plugin-to-host request not supported method=%s id=%s", i.path, m.Method, m.ID)
		}
	}
	if err := scanner.Err(); err != nil {
		i.logger.Printf("plugin %s: stdout read error: %v", i.path, err)
		return
	}
	i.logger.Printf("plugin %s: process exited", i.path)
}

func (i *Instance) resolve(resp *protocol.Response) {
	if resp.ID.IsZero() {
		return
	}
	i.mu.Lock()
	slot, ok := i.pending[resp.ID]
	if ok {
		delete(i.pending, resp.ID)
	}
	i.mu.Unlock()
	if !ok {
		// Unmatched response ids are dropped silently.
		return
	}
	slot <- resp
}

func (i *Instance) markDone() {
	i.doneOnce.Do(func() { close(i.done) })
}

func (i *Instance) exited() bool {
	select {
	case <-i.done:
		return true
	default:
		return false
	}
}

// send writes one request line and waits for the matching response. The wait
// ends when the response arrives, ctx is cancelled, or the subprocess dies;
// the original host waited forever on a dead process, this one fails fast.
func (i *Instance) send(ctx context.Context, req *protocol.Request) (*protocol.Response, error) {
	if req.ID.IsZero() {
		return nil, errors.New("request must carry an id")
	}
	if i.exited() {
		return nil, ErrPluginExited
	}

	slot := make(chan *protocol.Response, 1)
	i.mu.Lock()
	if _, dup := i.pending[req.ID]; dup {
		i.mu.Unlock()
		return nil, fmt.Errorf("duplicate in-flight request id %s", req.ID)
	}
	i.pending[req.ID] = slot
	i.mu.Unlock()

	line, err := protocol.Encode(req)
	if err != nil {
		i.forget(req.ID)
		return nil, err
	}
	line = append(line, '\n')

	i.writeMu.Lock()
	_, werr := i.stdin.Write(line)
	i.writeMu.Unlock()
	if werr != nil {
		i.forget(req.ID)
		return nil, fmt.Errorf("write to plugin %s: %w", i.path, werr)
	}

	select {
	case resp := <-slot:
		return resp, nil
	case <-ctx.Done():
		i.forget(req.ID)
		return nil, ctx.Err()
	case <-i.done:
		i.forget(req.ID)
		// The reader may have resolved the slot just before exiting.
		select {
		case resp := <-slot:
			return resp, nil
		default:
		}
		return nil, ErrPluginExited
	}
}

func (i *Instance) forget(id protocol.RequestID) {
	i.mu.Lock()
	delete(i.pending, id)
	i.mu.Unlock()
}

// kill closes stdin, asks the process to stop, and escalates after a grace
// period.
func (i *Instance) kill() error {
	_ = i.stdin.Close()
	_ = i.proc.Interrupt()
	waited := make(chan error, 1)
	go func() { waited <- i.proc.Wait() }()
	select {
	case err := <-waited:
		return err
	case <-time.After(killGracePeriod):
		_ = i.proc.Kill()
		return <-waited
	}
}
