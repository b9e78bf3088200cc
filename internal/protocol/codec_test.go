package protocol

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// waitForPending blocks until id is registered in c's pending table, so
// a test can safely Dispatch to a call issued on another goroutine.
func waitForPending(t *testing.T, c *Codec, id uint64) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		c.pendingMu.Lock()
		_, ok := c.pending[id]
		c.pendingMu.Unlock()
		if ok {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("timed out waiting for pending call registration")
}

// newTestCodec gives a Codec a writer we can inspect and a reader we can feed
// scripted lines into.
func newTestCodec(input string) (*Codec, *bytes.Buffer) {
	var out bytes.Buffer
	c := New(strings.NewReader(input), &out)
	return c, &out
}

func lastLine(t *testing.T, buf *bytes.Buffer) map[string]interface{} {
	t.Helper()
	scanner := bufio.NewScanner(buf)
	var last string
	for scanner.Scan() {
		last = scanner.Text()
	}
	require.NotEmpty(t, last)
	var m map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(last), &m))
	return m
}

func TestCallWritesWellFormedRequest(t *testing.T) {
	c, out := newTestCodec("")
	_, err := c.Call("mining.subscribe", []interface{}{})
	require.NoError(t, err)

	line := lastLine(t, out)
	require.Equal(t, "mining.subscribe", line["method"])
	require.Equal(t, float64(0), line["id"])
}

func TestCallIDsMonotonicallyIncrease(t *testing.T) {
	c, _ := newTestCodec("")
	_, err := c.Call("a", nil)
	require.NoError(t, err)
	_, err = c.Call("b", nil)
	require.NoError(t, err)
	require.Equal(t, uint64(2), c.nextID)
}

func TestSubmitFormat(t *testing.T) {
	// spec.md §8 scenario 6.
	c, out := newTestCodec("")
	_, err := c.Submit("w", "j", "deadbeef", "5e6f7a1b", 0x12345678)
	require.NoError(t, err)

	line := lastLine(t, out)
	params, ok := line["params"].([]interface{})
	require.True(t, ok)
	require.Equal(t, []interface{}{"w", "j", "deadbeef", "5e6f7a1b", "12345678"}, params)
}

func TestReadMessageClassifiesResponse(t *testing.T) {
	c, _ := newTestCodec(`{"id":0,"result":[1,2],"error":null}` + "\n")
	msg, err := c.ReadMessage()
	require.NoError(t, err)
	require.NotNil(t, msg.Response)
	require.Equal(t, uint64(0), msg.Response.ID)
	require.Nil(t, msg.Response.Error)
}

func TestReadMessageClassifiesErrorResponse(t *testing.T) {
	c, _ := newTestCodec(`{"id":3,"result":null,"error":[24,"unauthorized"]}` + "\n")
	msg, err := c.ReadMessage()
	require.NoError(t, err)
	require.NotNil(t, msg.Response)
	require.NotNil(t, msg.Response.Error)
	require.Equal(t, 24, msg.Response.Error.Code)
	require.True(t, IsFatal(msg.Response.Error.Code))
}

func TestReadMessageClassifiesSetDifficulty(t *testing.T) {
	c, _ := newTestCodec(`{"id":null,"method":"mining.set_difficulty","params":[4096]}` + "\n")
	msg, err := c.ReadMessage()
	require.NoError(t, err)
	require.NotNil(t, msg.SetDifficulty)
	require.Equal(t, uint64(4096), *msg.SetDifficulty)
}

func TestReadMessageClassifiesUnknownMethod(t *testing.T) {
	c, _ := newTestCodec(`{"id":null,"method":"client.show_message","params":["hi"]}` + "\n")
	msg, err := c.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, "client.show_message", msg.Unknown)
}

func TestReadMessageDropsMalformedFrame(t *testing.T) {
	c, _ := newTestCodec("not json at all\n")
	msg, err := c.ReadMessage()
	require.NoError(t, err)
	require.Nil(t, msg)
}

func TestReadMessageDecodesNotify(t *testing.T) {
	line := fmt.Sprintf(`{"id":null,"method":"mining.notify","params":["job1","%s","%s","%s",["%s"],"%s","%s","5e6f7a1b",true]}`,
		strings.Repeat("ab", 32),
		"aa",
		"bb",
		strings.Repeat("cd", 32),
		"00000001",
		"1d00ffff",
	)
	c, _ := newTestCodec(line + "\n")
	msg, err := c.ReadMessage()
	require.NoError(t, err)
	require.NotNil(t, msg.Notify)
	require.Equal(t, "job1", msg.Notify.JobID)
	require.True(t, msg.Notify.CleanJobs)
	require.Len(t, msg.Notify.MerkleBranch, 1)
	require.Equal(t, "5e6f7a1b", msg.Notify.Timestamp)
}

func TestDispatchDeliversToPendingCaller(t *testing.T) {
	c, _ := newTestCodec("")
	ch, err := c.Call("mining.subscribe", []interface{}{})
	require.NoError(t, err)

	c.Dispatch(&Response{ID: 0, Result: json.RawMessage(`[[],"abcd",4]`)})

	resp := <-ch
	require.Equal(t, uint64(0), resp.ID)
}

func TestDispatchUnknownIDIsIgnored(t *testing.T) {
	c, _ := newTestCodec("")
	require.NotPanics(t, func() {
		c.Dispatch(&Response{ID: 999})
	})
}

func TestSubscribeHandshakeWorkedExample(t *testing.T) {
	// spec.md §8 scenario 1.
	c, _ := newTestCodec("")

	done := make(chan struct{})
	var result *SubscribeResult
	var subErr error
	go func() {
		result, subErr = c.Subscribe()
		close(done)
	}()

	waitForPending(t, c, 0)
	raw := `[[["mining.set_difficulty","x"],["mining.notify","y"]],"abcd",4]`
	c.Dispatch(&Response{ID: 0, Result: json.RawMessage(raw)})
	<-done

	require.NoError(t, subErr)
	require.Equal(t, []byte{0xab, 0xcd}, result.ExtraNonce1)
	require.Equal(t, 4, result.ExtraNonce2Size)
	require.Equal(t, []byte{0xab, 0xcd}, c.ExtraNonce1())
	require.Equal(t, 4, c.ExtraNonce2Size())
}

func TestAuthorizeFatalOnUnauthorized(t *testing.T) {
	c, _ := newTestCodec("")

	done := make(chan struct{})
	var authErr error
	go func() {
		authErr = c.Authorize("user", "pass")
		close(done)
	}()

	waitForPending(t, c, 0)
	c.Dispatch(&Response{ID: 0, Error: &RPCError{Code: 24, Message: "unauthorized"}})
	<-done

	require.Error(t, authErr)
}

func TestAuthorizeTransientErrorIsNotFatal(t *testing.T) {
	c, _ := newTestCodec("")

	done := make(chan struct{})
	var authErr error
	go func() {
		authErr = c.Authorize("user", "pass")
		close(done)
	}()

	waitForPending(t, c, 0)
	c.Dispatch(&Response{ID: 0, Error: &RPCError{Code: 20, Message: "other"}})
	<-done

	require.NoError(t, authErr)
}
