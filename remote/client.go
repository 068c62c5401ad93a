// Package remote speaks to a primitive stub running on the target
// device over TCP. The stub exposes the exploit-provided kernel
// primitives (memory read/write, function call, symbol and offset
// lookup, wired allocation, scheduling nudges) behind a small
// checksummed packet protocol; this client adapts them to the kdbg
// collaborator interfaces.
package remote

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"kdbg/kdbg"
)

const (
	ackTimeout   = 2 * time.Second
	replyTimeout = 5 * time.Second
	sendRetries  = 3
)

// Client is a connection to the primitive stub. All methods are safe for
// concurrent use; requests are serialized on the wire.
type Client struct {
	mu   sync.Mutex
	conn net.Conn
	log  *logrus.Entry
}

// Dial connects to the stub at addr ("host:port").
func Dial(addr string, log *logrus.Entry) (*Client, error) {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("connect to primitive stub %s: %w", addr, err)
	}
	return &Client{conn: conn, log: log}, nil
}

func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

func checksum(data string) byte {
	var sum byte
	for i := 0; i < len(data); i++ {
		sum += data[i]
	}
	return sum
}

// sendPacket frames and sends one command, retrying on a negative ack.
func (c *Client) sendPacket(data string) error {
	packet := fmt.Sprintf("$%s#%02x", data, checksum(data))

	for retry := 0; retry < sendRetries; retry++ {
		if _, err := c.conn.Write([]byte(packet)); err != nil {
			return err
		}

		c.conn.SetReadDeadline(time.Now().Add(ackTimeout))
		ack := make([]byte, 1)
		n, err := c.conn.Read(ack)
		c.conn.SetReadDeadline(time.Time{})
		if err != nil {
			return fmt.Errorf("read ack: %w", err)
		}
		if n == 1 && ack[0] == '+' {
			return nil
		}
		// '-': stub saw a corrupt packet, resend.
	}
	return fmt.Errorf("packet %q rejected %d times", data, sendRetries)
}

// recvPacket reads one framed reply and verifies its checksum.
func (c *Client) recvPacket() (string, error) {
	c.conn.SetReadDeadline(time.Now().Add(replyTimeout))
	defer c.conn.SetReadDeadline(time.Time{})

	var raw []byte
	buf := make([]byte, 4096)
	for {
		n, err := c.conn.Read(buf)
		if err != nil {
			return "", err
		}
		raw = append(raw, buf[:n]...)
		start := strings.IndexByte(string(raw), '$')
		end := strings.IndexByte(string(raw), '#')
		if start < 0 || end < start || end+2 >= len(raw) {
			continue
		}

		data := string(raw[start+1 : end])
		var got byte
		fmt.Sscanf(string(raw[end+1:end+3]), "%02x", &got)
		if got != checksum(data) {
			c.conn.Write([]byte("-"))
			return "", fmt.Errorf("reply checksum mismatch")
		}
		c.conn.Write([]byte("+"))
		return data, nil
	}
}

// roundTrip serializes one command/reply exchange.
func (c *Client) roundTrip(cmd string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return "", fmt.Errorf("primitive stub connection closed")
	}

	if c.log != nil {
		c.log.WithField("cmd", cmd).Trace("stub request")
	}
	if err := c.sendPacket(cmd); err != nil {
		return "", err
	}
	reply, err := c.recvPacket()
	if err != nil {
		return "", err
	}
	if strings.HasPrefix(reply, "E") {
		return "", fmt.Errorf("stub error %s for %q", reply, cmd)
	}
	return reply, nil
}

func (c *Client) hexTrip(cmd string) (uint64, error) {
	reply, err := c.roundTrip(cmd)
	if err != nil {
		return 0, err
	}
	v, err := strconv.ParseUint(reply, 16, 64)
	if err != nil {
		return 0, fmt.Errorf("malformed stub reply %q: %w", reply, err)
	}
	return v, nil
}

func (c *Client) okTrip(cmd string) error {
	reply, err := c.roundTrip(cmd)
	if err != nil {
		return err
	}
	if reply != "OK" {
		return fmt.Errorf("stub replied %q to %q", reply, cmd)
	}
	return nil
}

// Memory primitive.

func (c *Client) ReadBytes(addr uint64, p []byte) error {
	reply, err := c.roundTrip(fmt.Sprintf("m%x,%x", addr, len(p)))
	if err != nil {
		return err
	}
	raw, err := hex.DecodeString(reply)
	if err != nil || len(raw) != len(p) {
		return fmt.Errorf("bad memory reply for %#x (%d bytes)", addr, len(p))
	}
	copy(p, raw)
	return nil
}

func (c *Client) WriteBytes(addr uint64, p []byte) error {
	return c.okTrip(fmt.Sprintf("M%x,%x:%s", addr, len(p), hex.EncodeToString(p)))
}

func (c *Client) Read32(addr uint64) (uint32, error) {
	p := make([]byte, 4)
	if err := c.ReadBytes(addr, p); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(p), nil
}

func (c *Client) Read64(addr uint64) (uint64, error) {
	p := make([]byte, 8)
	if err := c.ReadBytes(addr, p); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(p), nil
}

func (c *Client) Write32(addr uint64, val uint32) error {
	p := make([]byte, 4)
	binary.LittleEndian.PutUint32(p, val)
	return c.WriteBytes(addr, p)
}

func (c *Client) Write64(addr uint64, val uint64) error {
	p := make([]byte, 8)
	binary.LittleEndian.PutUint64(p, val)
	return c.WriteBytes(addr, p)
}

// Call primitive.

func (c *Client) Call(target uint64, args ...uint64) (uint64, error) {
	if len(args) > kdbg.MaxCallArgs {
		return 0, fmt.Errorf("call: %d arguments, limit is %d", len(args), kdbg.MaxCallArgs)
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "c%x,%x", target, len(args))
	for _, a := range args {
		fmt.Fprintf(&sb, ",%x", a)
	}
	return c.hexTrip(sb.String())
}

// Resolvers and allocator.

func (c *Client) Resolve(name string) (uint64, error) {
	return c.hexTrip("s" + name)
}

func (c *Client) OffsetOf(structName, fieldName string) (uint64, error) {
	return c.hexTrip("o" + structName + "." + fieldName)
}

func (c *Client) KernelObjectOf(h kdbg.ThreadHandle) (uint64, error) {
	return c.hexTrip(fmt.Sprintf("k%x", uint32(h)))
}

func (c *Client) CurrentThread() (kdbg.ThreadHandle, error) {
	v, err := c.hexTrip("t")
	if err != nil {
		return 0, err
	}
	return kdbg.ThreadHandle(v), nil
}

func (c *Client) Allocate(size uint64) (uint64, error) {
	return c.hexTrip(fmt.Sprintf("a%x", size))
}

// Scheduling and debug state.

func (c *Client) Yield() error {
	return c.okTrip("y")
}

func (c *Client) SwitchTo(h kdbg.ThreadHandle) error {
	return c.okTrip(fmt.Sprintf("w%x", uint32(h)))
}

func (c *Client) SetHardwareBreakpoint(h kdbg.ThreadHandle, slot int, value uint64, control uint32) error {
	return c.okTrip(fmt.Sprintf("b%x,%x,%x,%x", uint32(h), slot, value, control))
}

// Target builds a kdbg collaborator bundle backed entirely by the stub,
// with symbols and offsets optionally overridden by a local table.
func (c *Client) Target(syms kdbg.SymbolResolver, offs kdbg.OffsetResolver) *kdbg.Target {
	if syms == nil {
		syms = c
	}
	if offs == nil {
		offs = c
	}
	return &kdbg.Target{
		Mem:     c,
		Call:    c,
		Symbols: syms,
		Offsets: offs,
		Handles: c,
		Alloc:   c,
		Sched:   c,
		Debug:   c,
	}
}

// Interface conformance.
var (
	_ kdbg.Memory           = (*Client)(nil)
	_ kdbg.Caller           = (*Client)(nil)
	_ kdbg.SymbolResolver   = (*Client)(nil)
	_ kdbg.OffsetResolver   = (*Client)(nil)
	_ kdbg.HandleResolver   = (*Client)(nil)
	_ kdbg.Allocator        = (*Client)(nil)
	_ kdbg.Scheduler        = (*Client)(nil)
	_ kdbg.DebugStateSetter = (*Client)(nil)
)
