package smtp

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mixelka/tginbox/internal/decoder"
	"github.com/mixelka/tginbox/internal/registry"
	"github.com/mixelka/tginbox/pkg/models"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// realDecoder adapts the decoder package to the session interface.
type realDecoder struct{}

func (realDecoder) Decode(raw []byte, envelopeSender string) (*models.DecodedMessage, error) {
	return decoder.New(1000).Decode(raw, envelopeSender)
}

// countingDeliverer records forwards per chat id.
type countingDeliverer struct {
	mu       sync.Mutex
	byChatID map[string]int
	messages map[string]string // chat id -> last excerpt
}

func newCountingDeliverer() *countingDeliverer {
	return &countingDeliverer{
		byChatID: make(map[string]int),
		messages: make(map[string]string),
	}
}

func (d *countingDeliverer) Forward(_ context.Context, account models.Account, msg *models.DecodedMessage) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.byChatID[account.ChatID]++
	d.messages[account.ChatID] = msg.Excerpt
	return nil
}

func (d *countingDeliverer) total() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := 0
	for _, c := range d.byChatID {
		n += c
	}
	return n
}

// startServer runs a server on a loopback port and returns its
// address and a stop function.
func startServer(t *testing.T, cfg Config, reg *registry.Registry, deliverer Deliverer) string {
	t.Helper()

	cfg.ListenAddr = "127.0.0.1:0"
	srv := NewServer(cfg, reg, realDecoder{}, deliverer, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		srv.ListenAndServe(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("server did not shut down")
		}
	})

	deadline := time.Now().Add(2 * time.Second)
	for srv.Addr() == "" {
		if time.Now().After(deadline) {
			t.Fatal("server did not start listening")
		}
		time.Sleep(5 * time.Millisecond)
	}
	return srv.Addr()
}

// runExchange drives one full SMTP exchange for the given recipient.
func runExchange(addr, recipient, body string) error {
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return err
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(10 * time.Second))

	reader := bufio.NewReader(conn)
	expect := func(prefix string) error {
		line, err := reader.ReadString('\n')
		if err != nil {
			return err
		}
		if !strings.HasPrefix(line, prefix) {
			return fmt.Errorf("got %q, want prefix %q", line, prefix)
		}
		return nil
	}
	send := func(line string) error {
		_, err := conn.Write([]byte(line + "\r\n"))
		return err
	}

	if err := expect("220"); err != nil {
		return err
	}
	steps := []struct{ cmd, want string }{
		{"HELO load.test", "250"},
		{"MAIL FROM:<bob@other.com>", "250"},
		{"RCPT TO:<" + recipient + ">", "250"},
		{"DATA", "354"},
	}
	for _, st := range steps {
		if err := send(st.cmd); err != nil {
			return err
		}
		if err := expect(st.want); err != nil {
			return fmt.Errorf("%s: %w", st.cmd, err)
		}
	}
	for _, line := range []string{"Subject: load", "", body, "."} {
		if err := send(line); err != nil {
			return err
		}
	}
	if err := expect("250"); err != nil {
		return err
	}
	if err := send("QUIT"); err != nil {
		return err
	}
	return expect("221")
}

func TestServer_ConcurrentSessionsDisjointAccounts(t *testing.T) {
	t.Parallel()

	const sessions = 100

	accounts := make([]models.Account, sessions)
	for i := range accounts {
		accounts[i] = models.Account{
			Address:  fmt.Sprintf("user%d@example.com", i),
			BotToken: "token",
			ChatID:   fmt.Sprintf("%d", 1000+i),
		}
	}
	reg := registry.New(accounts)
	deliverer := newCountingDeliverer()

	addr := startServer(t, Config{
		Hostname:       "mail.test.com",
		MaxMessageSize: 1 << 20,
		MaxSessions:    sessions + 10,
		IdleTimeout:    10 * time.Second,
		QueueWait:      time.Second,
		ForwardTimeout: 10 * time.Second,
	}, reg, deliverer)

	var wg sync.WaitGroup
	errs := make(chan error, sessions)
	for i := 0; i < sessions; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			recipient := fmt.Sprintf("user%d@example.com", i)
			body := fmt.Sprintf("message for %d", i)
			if err := runExchange(addr, recipient, body); err != nil {
				errs <- fmt.Errorf("session %d: %w", i, err)
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}

	// Forwards are dispatched asynchronously.
	deadline := time.Now().Add(5 * time.Second)
	for deliverer.total() < sessions && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}

	deliverer.mu.Lock()
	defer deliverer.mu.Unlock()
	if len(deliverer.byChatID) != sessions {
		t.Fatalf("distinct chats: got %d, want %d", len(deliverer.byChatID), sessions)
	}
	for i := 0; i < sessions; i++ {
		chatID := fmt.Sprintf("%d", 1000+i)
		if n := deliverer.byChatID[chatID]; n != 1 {
			t.Errorf("chat %s: got %d forwards, want 1", chatID, n)
		}
		want := fmt.Sprintf("message for %d", i)
		if got := deliverer.messages[chatID]; got != want {
			t.Errorf("chat %s: got excerpt %q, want %q", chatID, got, want)
		}
	}
}

func TestServer_SessionCeilingRejects(t *testing.T) {
	t.Parallel()

	reg := registry.New([]models.Account{
		{Address: "alice@example.com", BotToken: "t", ChatID: "1"},
	})

	addr := startServer(t, Config{
		Hostname:       "mail.test.com",
		MaxMessageSize: 1 << 20,
		MaxSessions:    1,
		IdleTimeout:    10 * time.Second,
		QueueWait:      50 * time.Millisecond,
		ForwardTimeout: time.Second,
	}, reg, newCountingDeliverer())

	// Occupy the only slot.
	first, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("first dial: %v", err)
	}
	defer first.Close()
	firstReader := bufio.NewReader(first)
	if line := readLine(t, firstReader); !strings.HasPrefix(line, "220 ") {
		t.Fatalf("first greeting: got %q", line)
	}

	// The second connection must be turned away with 421.
	second, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("second dial: %v", err)
	}
	defer second.Close()
	second.SetReadDeadline(time.Now().Add(5 * time.Second))
	line, err := bufio.NewReader(second).ReadString('\n')
	if err != nil {
		t.Fatalf("second read: %v", err)
	}
	if !strings.HasPrefix(line, "421 ") {
		t.Errorf("overflow connection: got %q, want prefix '421 '", line)
	}
}
