package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/Aman-CERP/foldermcp/internal/fmdm"
)

// Client talks to a running daemon over the control socket. Used by the
// CLI and any local management front-end.
type Client struct {
	socketPath string
	timeout    time.Duration
	nextID     atomic.Int64
}

// NewClient creates a client for the given socket path.
func NewClient(socketPath string) *Client {
	return &Client{socketPath: socketPath, timeout: 30 * time.Second}
}

// Ping checks whether the daemon is alive.
func (c *Client) Ping(ctx context.Context) (*PingResult, error) {
	return call[PingResult](ctx, c, MethodPing, nil)
}

// AddFolder asks the daemon to manage a folder.
func (c *Client) AddFolder(ctx context.Context, path, model string) (*FolderResult, error) {
	return call[FolderResult](ctx, c, MethodFoldersAdd, FolderParams{Path: path, Model: model})
}

// RemoveFolder asks the daemon to drop a folder.
func (c *Client) RemoveFolder(ctx context.Context, path string) (*FolderResult, error) {
	return call[FolderResult](ctx, c, MethodFoldersRemove, FolderParams{Path: path})
}

// ReindexFolder asks the daemon to re-embed a folder.
func (c *Client) ReindexFolder(ctx context.Context, path, model string) (*FolderResult, error) {
	return call[FolderResult](ctx, c, MethodFoldersReindex, FolderParams{Path: path, Model: model})
}

// Diagnostics fetches the daemon diagnostics payload.
func (c *Client) Diagnostics(ctx context.Context) (*DiagnosticsResult, error) {
	return call[DiagnosticsResult](ctx, c, MethodDiagnostics, nil)
}

// Shutdown asks the daemon to exit.
func (c *Client) Shutdown(ctx context.Context) error {
	_, err := call[FolderResult](ctx, c, MethodShutdown, nil)
	return err
}

// Subscribe opens an FMDM stream. Snapshots arrive on the returned channel
// until the context dies or the daemon closes the connection.
func (c *Client) Subscribe(ctx context.Context) (<-chan fmdm.Snapshot, error) {
	conn, err := c.dial(ctx)
	if err != nil {
		return nil, err
	}

	encoder := json.NewEncoder(conn)
	decoder := json.NewDecoder(conn)

	req := Request{JSONRPC: "2.0", Method: MethodSubscribe, ID: c.id()}
	if err := encoder.Encode(req); err != nil {
		conn.Close()
		return nil, err
	}

	var ack Response
	if err := decoder.Decode(&ack); err != nil {
		conn.Close()
		return nil, err
	}
	if ack.Error != nil {
		conn.Close()
		return nil, fmt.Errorf("subscribe refused: %s", ack.Error.Message)
	}

	out := make(chan fmdm.Snapshot, 8)
	go func() {
		defer close(out)
		defer conn.Close()
		go func() {
			<-ctx.Done()
			conn.Close()
		}()
		for {
			var snap fmdm.Snapshot
			if err := decoder.Decode(&snap); err != nil {
				return
			}
			select {
			case out <- snap:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// call runs one request/response exchange on a fresh connection.
func call[T any](ctx context.Context, c *Client, method string, params any) (*T, error) {
	conn, err := c.dial(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	} else {
		_ = conn.SetDeadline(time.Now().Add(c.timeout))
	}

	req := Request{JSONRPC: "2.0", Method: method, Params: params, ID: c.id()}
	if err := json.NewEncoder(conn).Encode(req); err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}

	var resp Response
	if err := json.NewDecoder(conn).Decode(&resp); err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.Error != nil {
		return nil, fmt.Errorf("daemon error %d: %s", resp.Error.Code, resp.Error.Message)
	}

	data, err := json.Marshal(resp.Result)
	if err != nil {
		return nil, err
	}
	var out T
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("decode result: %w", err)
	}
	return &out, nil
}

func (c *Client) dial(ctx context.Context) (net.Conn, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", c.socketPath)
	if err != nil {
		return nil, fmt.Errorf("daemon not reachable at %s: %w", c.socketPath, err)
	}
	return conn, nil
}

func (c *Client) id() string {
	return strconv.FormatInt(c.nextID.Add(1), 10)
}
