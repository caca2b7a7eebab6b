package provider

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"intake_server/core/domain"
	"intake_server/core/port/out"
)

// stallingIMAPServer accepts connections and then never answers. With greet
// set it sends the untagged OK first, as a plaintext server would.
func stallingIMAPServer(t *testing.T, greet bool) (host string, port int) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	done := make(chan struct{})
	t.Cleanup(func() {
		close(done)
		ln.Close()
	})

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				if greet {
					_, _ = conn.Write([]byte("* OK IMAP4rev1 ready\r\n"))
				}
				<-done
			}()
		}
	}()

	addr := ln.Addr().(*net.TCPAddr)
	return addr.IP.String(), addr.Port
}

func TestIMAPConnectHonoursDeadline(t *testing.T) {
	tests := []struct {
		name string
		tls  bool
	}{
		{"starttls", false},
		{"implicit tls", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			host, port := stallingIMAPServer(t, !tt.tls)
			useTLS := tt.tls
			a := NewIMAPAdapter(out.AdapterConfig{
				AccountID: "acc-1",
				Provider:  domain.ProviderIMAP,
				Credentials: domain.Credentials{
					Username: "ops",
					Password: "secret",
					Host:     host,
					Port:     port,
					TLS:      &useTLS,
				},
			})

			ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
			defer cancel()

			errCh := make(chan error, 1)
			go func() { errCh <- a.Connect(ctx) }()

			select {
			case err := <-errCh:
				if !errors.Is(err, context.DeadlineExceeded) {
					t.Errorf("Connect = %v, want context.DeadlineExceeded", err)
				}
			case <-time.After(5 * time.Second):
				t.Fatal("Connect still blocked long after the context deadline")
			}

			if err := a.Disconnect(context.Background()); err != nil {
				t.Errorf("Disconnect after failed connect = %v", err)
			}
		})
	}
}

func TestIMAPNotConnected(t *testing.T) {
	a := NewIMAPAdapter(out.AdapterConfig{AccountID: "acc-1", Provider: domain.ProviderIMAP})
	if _, err := a.FetchEmails(context.Background(), nil); err == nil {
		t.Error("FetchEmails without Connect should fail")
	}
	if _, err := a.DownloadAttachment(context.Background(), "1", "1"); err == nil {
		t.Error("DownloadAttachment without Connect should fail")
	}
}
