// ABOUTME: Loopback OAuth flow for connecting providers from the terminal
// ABOUTME: Listens on 127.0.0.1, opens the browser and waits for the authorization code
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os/exec"
	"runtime"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/harperreed/relsync/connectors"
	"github.com/harperreed/relsync/models"
)

const callbackPath = "/oauth/callback"

// loopbackAuthorize runs the authorization-code flow against a temporary
// listener and returns the exchanged grant.
func loopbackAuthorize(ctx context.Context, conn connectors.OAuthConnector, open func(string) error, out io.Writer) (*models.TokenGrant, error) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, fmt.Errorf("failed to start callback listener: %w", err)
	}

	redirectURI := fmt.Sprintf("http://%s%s", listener.Addr().String(), callbackPath)
	state := uuid.NewString()

	type outcome struct {
		grant *models.TokenGrant
		err   error
	}
	done := make(chan outcome, 1)
	finish := func(o outcome) {
		select {
		case done <- o:
		default:
		}
	}

	mux := http.NewServeMux()
	mux.HandleFunc(callbackPath, func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		switch {
		case q.Get("error") != "":
			http.Error(w, "Authorization was denied.", http.StatusBadRequest)
			finish(outcome{err: fmt.Errorf("authorization denied: %s", q.Get("error"))})
			return
		case q.Get("state") != state:
			http.Error(w, "State mismatch.", http.StatusBadRequest)
			finish(outcome{err: errors.New("oauth state mismatch")})
			return
		case q.Get("code") == "":
			http.Error(w, "Missing authorization code.", http.StatusBadRequest)
			finish(outcome{err: errors.New("no authorization code received")})
			return
		}

		grant, err := conn.HandleCallback(r.Context(), q.Get("code"), redirectURI)
		if err != nil {
			http.Error(w, "Token exchange failed.", http.StatusBadGateway)
			finish(outcome{err: fmt.Errorf("failed to exchange code: %w", err)})
			return
		}

		_, _ = fmt.Fprint(w, "Authorization successful! You can close this window.")
		finish(outcome{grant: grant})
	})

	server := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			finish(outcome{err: err})
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	authURL := conn.AuthURL(redirectURI, state)
	_, _ = fmt.Fprintf(out, "Opening browser for %s authorization...\n", conn.ID())
	_, _ = fmt.Fprintf(out, "\nIf the browser doesn't open, visit this URL:\n%s\n\n", authURL)
	if err := open(authURL); err != nil {
		log.Debug().Err(err).Msg("could not open browser")
	}

	select {
	case o := <-done:
		return o.grant, o.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// openBrowser attempts to open url in the default browser.
func openBrowser(url string) error {
	var cmd string
	var args []string

	switch runtime.GOOS {
	case "darwin":
		cmd = "open"
		args = []string{url}
	case "windows":
		cmd = "cmd"
		args = []string{"/c", "start", url}
	default:
		cmd = "xdg-open"
		args = []string{url}
	}

	return exec.Command(cmd, args...).Start()
}
