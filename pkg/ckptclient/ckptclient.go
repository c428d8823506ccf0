/*
Package ckptclient is the checkpoint service's wire client: a thin
connection wrapper exposing one method per request type, dialing fresh
for each call to match the service's one-exchange-per-connection
contract.
*/
package ckptclient

import (
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/lattice-ml/lattice-agent/pkg/ckptwire"
)

// Client talks to a checkpoint service over TCP.
type Client struct {
	addr    string
	timeout time.Duration
}

// New builds a Client dialing addr for every request, with a per-call
// dial/round-trip timeout.
func New(addr string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{addr: addr, timeout: timeout}
}

func (c *Client) roundTrip(req ckptwire.Message) (ckptwire.Message, error) {
	conn, err := net.DialTimeout("tcp", c.addr, c.timeout)
	if err != nil {
		return ckptwire.Message{}, fmt.Errorf("ckptclient: dial %s: %w", c.addr, err)
	}
	defer conn.Close()

	deadline := time.Now().Add(c.timeout)
	_ = conn.SetDeadline(deadline)

	if err := ckptwire.Encode(conn, req); err != nil {
		return ckptwire.Message{}, fmt.Errorf("ckptclient: send request: %w", err)
	}
	resp, err := ckptwire.Decode(conn)
	if err != nil {
		return ckptwire.Message{}, fmt.Errorf("ckptclient: read response: %w", err)
	}
	if resp.Type == ckptwire.ErrType {
		return ckptwire.Message{}, fmt.Errorf("ckptclient: %s", string(resp.Body))
	}
	return resp, nil
}

// Ping checks that the checkpoint service is reachable.
func (c *Client) Ping() error {
	_, err := c.roundTrip(ckptwire.Message{Type: ckptwire.Ping})
	return err
}

// List returns, for every uid under jobID, the names of its saved checkpoints.
func (c *Client) List(jobID string) (map[string][]string, error) {
	resp, err := c.roundTrip(ckptwire.Message{Type: ckptwire.List, JobID: jobID})
	if err != nil {
		return nil, err
	}
	return decodeListing(resp.Body), nil
}

// Save writes body as checkpoint name for (jobID, uid).
func (c *Client) Save(jobID, uid, name string, body []byte) error {
	_, err := c.roundTrip(ckptwire.Message{Type: ckptwire.Save, JobID: jobID, UID: uid, CkptName: name, Body: body})
	return err
}

// Load reads checkpoint name for (jobID, uid).
func (c *Client) Load(jobID, uid, name string) ([]byte, error) {
	resp, err := c.roundTrip(ckptwire.Message{Type: ckptwire.Load, JobID: jobID, UID: uid, CkptName: name})
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

// Delete removes checkpoint name for (jobID, uid).
func (c *Client) Delete(jobID, uid, name string) error {
	_, err := c.roundTrip(ckptwire.Message{Type: ckptwire.Del, JobID: jobID, UID: uid, CkptName: name})
	return err
}

// Acquire requests the advisory lock named name for (jobID, uid),
// offering nodeInfo as the caller's identity. The returned bytes
// identify whichever caller actually holds the lock: compare them
// against nodeInfo to tell whether the acquisition succeeded.
func (c *Client) Acquire(jobID, uid, name string, nodeInfo []byte) ([]byte, error) {
	resp, err := c.roundTrip(ckptwire.Message{Type: ckptwire.Acquire, JobID: jobID, UID: uid, CkptName: name, Body: nodeInfo})
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

// Release drops the advisory lock named name for (jobID, uid).
func (c *Client) Release(jobID, uid, name string) error {
	_, err := c.roundTrip(ckptwire.Message{Type: ckptwire.Release, JobID: jobID, UID: uid, CkptName: name})
	return err
}

func decodeListing(body []byte) map[string][]string {
	out := make(map[string][]string)
	for _, line := range strings.Split(string(body), "\n") {
		if line == "" {
			continue
		}
		parts := strings.SplitN(line, "\t", 2)
		if len(parts) != 2 {
			continue
		}
		out[parts[0]] = append(out[parts[0]], parts[1])
	}
	return out
}
