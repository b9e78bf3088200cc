// Package protocol implements C4: line-delimited JSON-RPC framing over a
// TCP byte stream, request/response correlation, the subscribe/authorize
// handshake, and decoding of server-initiated calls, per spec.md §4.4.
package protocol

import (
	"bufio"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"strings"
	"sync"
	"sync/atomic"
)

// Error codes the server may report, per spec.md §4.4 and §7. 24 and 25
// are fatal; 20-23 are transient and logged only.
const (
	ErrCodeOther          = 20
	ErrCodeStaleJob       = 21
	ErrCodeDuplicateShare = 22
	ErrCodeLowDifficulty  = 23
	ErrCodeUnauthorized   = 24
	ErrCodeNotSubscribed  = 25
)

// IsFatal reports whether code should terminate the session, per spec.md
// §7's error taxonomy.
func IsFatal(code int) bool {
	return code == ErrCodeUnauthorized || code == ErrCodeNotSubscribed
}

// RPCError is the [code, message, traceback?] error form.
type RPCError struct {
	Code      int
	Message   string
	Traceback string
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("stratum error %d: %s", e.Code, e.Message)
}

func (e *RPCError) UnmarshalJSON(data []byte) error {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("protocol: malformed error array: %w", err)
	}
	if len(raw) < 2 {
		return fmt.Errorf("protocol: error array must have at least [code, message], got %d elements", len(raw))
	}
	if err := json.Unmarshal(raw[0], &e.Code); err != nil {
		return fmt.Errorf("protocol: malformed error code: %w", err)
	}
	if err := json.Unmarshal(raw[1], &e.Message); err != nil {
		return fmt.Errorf("protocol: malformed error message: %w", err)
	}
	if len(raw) >= 3 {
		_ = json.Unmarshal(raw[2], &e.Traceback)
	}
	return nil
}

// Response is a correlated reply to an outbound call.
type Response struct {
	ID     uint64
	Result json.RawMessage
	Error  *RPCError
}

// NotifyParams is the decoded form of mining.notify, spec.md §3's job
// notification.
type NotifyParams struct {
	JobID        string
	PreviousHash [32]byte
	Coinbase1    []byte
	Coinbase2    []byte
	MerkleBranch [][32]byte
	Version      [4]byte
	Bits         [4]byte
	Timestamp    string // ASCII-hex, preserved verbatim for echo on submit
	CleanJobs    bool
}

// wireMessage is the envelope every inbound line is parsed into before
// classification.
type wireMessage struct {
	ID     *uint64         `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
	Result json.RawMessage `json:"result"`
	Error  json.RawMessage `json:"error"`
}

// ServerMessage is the classified result of reading one line, exactly
// one of its fields is non-nil.
type ServerMessage struct {
	Response      *Response
	Notify        *NotifyParams
	SetDifficulty *uint64
	Unknown       string // method name, for logging
}

// Codec owns the framed connection: one JSON object per line, terminated
// by 0x0A.
type Codec struct {
	reader *bufio.Reader
	writer io.Writer

	writeMu sync.Mutex
	nextID  uint64

	pendingMu sync.Mutex
	pending   map[uint64]chan *Response

	extraNonce1     []byte
	extraNonce2Size int

	log *log.Logger
}

// New wraps r and w as a Codec. The reader and writer may be the same
// net.Conn, or separated for testing.
func New(r io.Reader, w io.Writer) *Codec {
	return &Codec{
		reader:  bufio.NewReader(r),
		writer:  w,
		pending: make(map[uint64]chan *Response),
		log:     log.New(log.Writer(), "[protocol] ", log.LstdFlags),
	}
}

type request struct {
	ID     uint64      `json:"id"`
	Method string      `json:"method"`
	Params interface{} `json:"params"`
}

// Call writes a request and returns a channel that receives the
// correlated Response once the receive loop observes it, resolving
// spec.md §9's open question on response/id correlation via a
// pending-call table keyed by id.
func (c *Codec) Call(method string, params interface{}) (<-chan *Response, error) {
	id := atomic.AddUint64(&c.nextID, 1) - 1

	ch := make(chan *Response, 1)
	c.pendingMu.Lock()
	c.pending[id] = ch
	c.pendingMu.Unlock()

	data, err := json.Marshal(request{ID: id, Method: method, Params: params})
	if err != nil {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
		return nil, fmt.Errorf("protocol: marshal %s: %w", method, err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := c.writer.Write(append(data, '\n')); err != nil {
		c.pendingMu.Lock()
		delete(c.pending, id)
		c.pendingMu.Unlock()
		return nil, fmt.Errorf("protocol: write %s: %w", method, err)
	}
	return ch, nil
}

// Submit emits mining.submit, spec.md §4.4's share submission call.
func (c *Codec) Submit(worker, jobID, extraNonce2Hex, timestamp string, nonce uint32) (<-chan *Response, error) {
	nonceHex := fmt.Sprintf("%08x", nonce)
	return c.Call("mining.submit", []string{worker, jobID, extraNonce2Hex, timestamp, nonceHex})
}

// SuggestDifficulty emits mining.suggest_difficulty. Unused by the
// default wiring, matching the reference client's commented-out call;
// exposed for configurations that want to hint a starting difficulty.
func (c *Codec) SuggestDifficulty(difficulty uint64) (<-chan *Response, error) {
	return c.Call("mining.suggest_difficulty", []uint64{difficulty})
}

// SubscribeResult is the decoded reply to mining.subscribe.
type SubscribeResult struct {
	ExtraNonce1     []byte
	ExtraNonce2Size int
}

// Subscribe issues mining.subscribe and decodes the reply. The caller
// must be pumping ReadMessage/Dispatch concurrently so the response
// reaches the returned channel.
func (c *Codec) Subscribe() (*SubscribeResult, error) {
	ch, err := c.Call("mining.subscribe", []interface{}{})
	if err != nil {
		return nil, err
	}
	resp := <-ch
	if resp.Error != nil {
		return nil, fmt.Errorf("protocol: subscribe: %w", resp.Error)
	}

	result, err := DecodeSubscribeResult(resp.Result)
	if err != nil {
		return nil, err
	}
	c.extraNonce1 = result.ExtraNonce1
	c.extraNonce2Size = result.ExtraNonce2Size
	return result, nil
}

// DecodeSubscribeResult parses a mining.subscribe reply's result array
// ([subscription_details, extra_nonce_1_hex, extra_nonce_2_size]).
// Exposed so a caller driving the handshake's own read loop (before a
// Codec's normal receive loop has started) can decode the result
// without going through Subscribe's blocking channel read.
func DecodeSubscribeResult(raw json.RawMessage) (*SubscribeResult, error) {
	var result []json.RawMessage
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("protocol: malformed subscribe result: %w", err)
	}
	if len(result) != 3 {
		return nil, fmt.Errorf("protocol: subscribe result has %d elements, want 3", len(result))
	}

	var extraNonce1Hex string
	if err := json.Unmarshal(result[1], &extraNonce1Hex); err != nil {
		return nil, fmt.Errorf("protocol: malformed extra_nonce_1: %w", err)
	}
	extraNonce1, err := hex.DecodeString(extraNonce1Hex)
	if err != nil {
		return nil, fmt.Errorf("protocol: extra_nonce_1 not hex: %w", err)
	}

	var extraNonce2Size int
	if err := json.Unmarshal(result[2], &extraNonce2Size); err != nil {
		return nil, fmt.Errorf("protocol: malformed extra_nonce_2_size: %w", err)
	}

	return &SubscribeResult{ExtraNonce1: extraNonce1, ExtraNonce2Size: extraNonce2Size}, nil
}

// Authorize issues mining.authorize. Per spec.md §4.4, authorization is
// considered successful if no error field is returned; errors are
// logged, not propagated as fatal by this call alone (fatality is
// determined by the error code, see IsFatal).
func (c *Codec) Authorize(username, password string) error {
	ch, err := c.Call("mining.authorize", []string{username, password})
	if err != nil {
		return err
	}
	resp := <-ch
	if resp.Error != nil {
		c.log.Printf("authorize error (%d): %s", resp.Error.Code, resp.Error.Message)
		if IsFatal(resp.Error.Code) {
			return resp.Error
		}
	}
	return nil
}

// ExtraNonce1 returns the server-assigned extra-nonce-1 bytes fixed by
// Subscribe.
func (c *Codec) ExtraNonce1() []byte { return c.extraNonce1 }

// ExtraNonce2Size returns the extra-nonce-2 byte length fixed by
// Subscribe.
func (c *Codec) ExtraNonce2Size() int { return c.extraNonce2Size }

// ReadMessage reads and classifies exactly one line. Malformed frames
// are logged and dropped (spec.md §7's framing-error handling) by
// returning a nil ServerMessage and a nil error, so the receive loop
// simply continues.
func (c *Codec) ReadMessage() (*ServerMessage, error) {
	line, err := c.reader.ReadString('\n')
	if err != nil {
		if err == io.EOF && line == "" {
			return nil, io.EOF
		}
		if err != io.EOF {
			return nil, fmt.Errorf("protocol: read line: %w", err)
		}
	}
	line = strings.TrimRight(line, "\r\n \t")
	if line == "" {
		return nil, nil
	}

	var msg wireMessage
	if jsonErr := json.Unmarshal([]byte(line), &msg); jsonErr != nil {
		c.log.Printf("dropping malformed frame: %v", jsonErr)
		return nil, nil
	}

	if msg.ID != nil && (msg.Result != nil || msg.Error != nil) {
		resp := &Response{ID: *msg.ID}
		if len(msg.Result) > 0 {
			resp.Result = msg.Result
		}
		if len(msg.Error) > 0 && string(msg.Error) != "null" {
			var rpcErr RPCError
			if err := json.Unmarshal(msg.Error, &rpcErr); err != nil {
				c.log.Printf("dropping frame with malformed error: %v", err)
				return nil, nil
			}
			resp.Error = &rpcErr
		}
		return &ServerMessage{Response: resp}, nil
	}

	switch msg.Method {
	case "mining.notify":
		params, err := decodeNotifyParams(msg.Params)
		if err != nil {
			c.log.Printf("dropping malformed mining.notify: %v", err)
			return nil, nil
		}
		return &ServerMessage{Notify: params}, nil
	case "mining.set_difficulty":
		var params []uint64
		if err := json.Unmarshal(msg.Params, &params); err != nil || len(params) != 1 {
			c.log.Printf("dropping malformed mining.set_difficulty")
			return nil, nil
		}
		difficulty := params[0]
		return &ServerMessage{SetDifficulty: &difficulty}, nil
	default:
		c.log.Printf("ignoring unrecognized method %q", msg.Method)
		return &ServerMessage{Unknown: msg.Method}, nil
	}
}

// Dispatch delivers a Response to its pending caller, the codec's
// correlation hook the receive loop feeds every classified response
// into.
func (c *Codec) Dispatch(resp *Response) {
	c.pendingMu.Lock()
	ch, ok := c.pending[resp.ID]
	if ok {
		delete(c.pending, resp.ID)
	}
	c.pendingMu.Unlock()

	if !ok {
		c.log.Printf("response for unknown id %d", resp.ID)
		return
	}
	ch <- resp
}

func decodeNotifyParams(raw json.RawMessage) (*NotifyParams, error) {
	var fields []json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("not an array: %w", err)
	}
	if len(fields) != 9 {
		return nil, fmt.Errorf("expected 9 params, got %d", len(fields))
	}

	var jobID, previousHashHex, coinbase1Hex, coinbase2Hex string
	var merkleBranchHex []string
	var versionHex, bitsHex, timestamp string
	var cleanJobs bool

	unmarshalers := []struct {
		dst interface{}
	}{
		{&jobID}, {&previousHashHex}, {&coinbase1Hex}, {&coinbase2Hex},
		{&merkleBranchHex}, {&versionHex}, {&bitsHex}, {&timestamp}, {&cleanJobs},
	}
	for i, u := range unmarshalers {
		if err := json.Unmarshal(fields[i], u.dst); err != nil {
			return nil, fmt.Errorf("param %d: %w", i, err)
		}
	}

	previousHash, err := decodeFixed(previousHashHex, 32, "previous_hash")
	if err != nil {
		return nil, err
	}
	coinbase1, err := hex.DecodeString(coinbase1Hex)
	if err != nil {
		return nil, fmt.Errorf("coinbase_1 not hex: %w", err)
	}
	coinbase2, err := hex.DecodeString(coinbase2Hex)
	if err != nil {
		return nil, fmt.Errorf("coinbase_2 not hex: %w", err)
	}
	version, err := decodeFixed(versionHex, 4, "version")
	if err != nil {
		return nil, err
	}
	bits, err := decodeFixed(bitsHex, 4, "bits")
	if err != nil {
		return nil, err
	}

	merkleBranch := make([][32]byte, len(merkleBranchHex))
	for i, h := range merkleBranchHex {
		b, err := decodeFixed(h, 32, "merkle_branch")
		if err != nil {
			return nil, err
		}
		copy(merkleBranch[i][:], b)
	}

	var params NotifyParams
	params.JobID = jobID
	copy(params.PreviousHash[:], previousHash)
	params.Coinbase1 = coinbase1
	params.Coinbase2 = coinbase2
	params.MerkleBranch = merkleBranch
	copy(params.Version[:], version)
	copy(params.Bits[:], bits)
	params.Timestamp = timestamp
	params.CleanJobs = cleanJobs

	return &params, nil
}

func decodeFixed(hexStr string, n int, field string) ([]byte, error) {
	b, err := hex.DecodeString(hexStr)
	if err != nil {
		return nil, fmt.Errorf("%s not hex: %w", field, err)
	}
	if len(b) != n {
		return nil, fmt.Errorf("%s must be %d bytes, got %d", field, n, len(b))
	}
	return b, nil
}
