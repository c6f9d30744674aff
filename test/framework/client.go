package framework

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cuemby/aegis/pkg/api"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// Client is a thin AegisAPI client for tests, invoking the hand-registered
// service the same way cmd/aegisd's status subcommands do: no generated
// stub, just conn.Invoke against the well-known method names.
type Client struct {
	addr string
	conn *grpc.ClientConn
}

// NewClient dials a replica's client API address.
func NewClient(addr string) (*Client, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	return &Client{addr: addr, conn: conn}, nil
}

// Close releases the underlying connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// ClusterStatus reports the replica's Raft role, term, and log indices.
func (c *Client) ClusterStatus(ctx context.Context) (*api.ClusterStatusResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req := &api.ClusterStatusRequest{}
	resp := &api.ClusterStatusResponse{}
	if err := c.conn.Invoke(ctx, "/aegis.api.AegisAPI/ClusterStatus", req, resp); err != nil {
		return nil, fmt.Errorf("ClusterStatus: %w", err)
	}
	return resp, nil
}

// Set submits the built-in Set command.
func (c *Client) Set(ctx context.Context, key string, value []byte) error {
	payload, err := json.Marshal(map[string]interface{}{"key": key, "value": value})
	if err != nil {
		return err
	}
	_, err = c.submitCommand(ctx, "Set", payload)
	return err
}

// Delete submits the built-in Delete command.
func (c *Client) Delete(ctx context.Context, key string) error {
	payload, err := json.Marshal(map[string]interface{}{"key": key})
	if err != nil {
		return err
	}
	_, err = c.submitCommand(ctx, "Delete", payload)
	return err
}

// Increment submits the built-in Increment command.
func (c *Client) Increment(ctx context.Context, key string, amount int64) error {
	payload, err := json.Marshal(map[string]interface{}{"key": key, "amount": amount})
	if err != nil {
		return err
	}
	_, err = c.submitCommand(ctx, "Increment", payload)
	return err
}

// Get runs the built-in Get query and reports whether the key was found.
func (c *Client) Get(ctx context.Context, key string) (value []byte, found bool, err error) {
	req := &api.SubmitQueryRequest{
		Type:   "Get",
		Params: map[string]interface{}{"key": key},
	}
	resp := &api.SubmitQueryResponse{}
	if err := c.invoke(ctx, "SubmitQuery", req, resp); err != nil {
		return nil, false, err
	}

	raw, err := json.Marshal(resp.Data)
	if err != nil {
		return nil, false, err
	}
	var out struct {
		Found bool   `json:"found"`
		Value []byte `json:"value"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, false, err
	}
	return out.Value, out.Found, nil
}

func (c *Client) submitCommand(ctx context.Context, commandType string, payload []byte) (*api.SubmitCommandResponse, error) {
	req := &api.SubmitCommandRequest{Type: commandType, Payload: payload}
	resp := &api.SubmitCommandResponse{}
	if err := c.invoke(ctx, "SubmitCommand", req, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

func (c *Client) invoke(ctx context.Context, method string, req, resp interface{}) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := c.conn.Invoke(ctx, "/aegis.api.AegisAPI/"+method, req, resp); err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}
	return nil
}
