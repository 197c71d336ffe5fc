package testutil

import (
	"fmt"
	"io/ioutil"
	"math/rand"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"
)

// GetTestEmail generates a random email for a given test
func GetTestEmail(t *testing.T) string {
	return fmt.Sprintf("%d-%s@example.com", rand.Int(), t.Name())
}

// mockHTTPDoer is the internal/dispatcher.HTTPPoster test double: it
// records every request's headers and body instead of sending it
// anywhere, and always answers 200 OK.
type mockHTTPDoer struct {
	sync.Mutex
	requests []*http.Request
	bodies   [][]byte
}

// GetMockHTTPDoer returns a fresh internal/dispatcher.HTTPPoster double.
func GetMockHTTPDoer() *mockHTTPDoer {
	return &mockHTTPDoer{}
}

func (m *mockHTTPDoer) Do(req *http.Request) (*http.Response, error) {
	m.Lock()
	defer m.Unlock()

	var body []byte
	if req.Body != nil {
		var err error
		body, err = ioutil.ReadAll(req.Body)
		if err != nil {
			return nil, err
		}
	}
	m.requests = append(m.requests, req)
	m.bodies = append(m.bodies, body)

	return &http.Response{
		StatusCode: http.StatusOK,
		Body:       ioutil.NopCloser(strings.NewReader("")),
	}, nil
}

func (m *mockHTTPDoer) RequestCount() int {
	m.Lock()
	defer m.Unlock()
	return len(m.requests)
}

func (m *mockHTTPDoer) Request(index int) *http.Request {
	m.Lock()
	defer m.Unlock()
	return m.requests[index]
}

func (m *mockHTTPDoer) Body(index int) []byte {
	m.Lock()
	defer m.Unlock()
	return m.bodies[index]
}

func MockTxid() string {
	var letters = []rune("abcdef1234567890")

	b := make([]rune, 64)
	for i := range b {
		b[i] = letters[rand.Intn(len(letters))]
	}
	return string(b)
}

func MockStringOfLength(n int) string {
	var letters = []rune("abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ1234567890")

	b := make([]rune, n)
	for i := range b {
		b[i] = letters[rand.Intn(len(letters))]
	}
	return string(b)
}

// GetPortOrFail returns a unused port
func GetPortOrFail(t *testing.T) int {
	const minPortNumber = 1024
	const maxPortNumber = 40000
	rand.Seed(time.Now().UnixNano())
	port := rand.Intn(maxPortNumber)
	// port is reserved, try again
	if port < minPortNumber {
		return GetPortOrFail(t)
	}

	listener, err := net.Listen("tcp", ":"+strconv.Itoa(port))
	// port is busy, try again
	if err != nil {
		return GetPortOrFail(t)
	}
	if err := listener.Close(); err != nil {
		FatalMsgf(t, "Couldn't close port: %sl", err)
	}
	return port
}
