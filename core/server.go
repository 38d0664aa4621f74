package core

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"sync"
	"time"

	"github.com/gliderlabs/ssh"
	"github.com/spf13/afero"

	"github.com/marsh-shell/marsh/core/config"
	"github.com/marsh-shell/marsh/core/lineedit"
	"github.com/marsh-shell/marsh/core/logger"
	"github.com/marsh-shell/marsh/core/redirect"
	"github.com/marsh-shell/marsh/core/spawn"
	"github.com/marsh-shell/marsh/core/ttylog"
)

// Server exposes the shell over SSH. Clients authenticate with a public key
// from the configuration directory's authorized_keys file; password and
// keyboard-interactive auth stay disabled. Each accepted session gets its
// own Shell, event log session and, when enabled, a tty recording.
type Server struct {
	cfg        *config.Configuration
	logger     *logger.Logger
	eventLog   afero.File
	authorized []ssh.PublicKey
	sshServer  *ssh.Server
}

// NewServer builds a Server from a loaded configuration directory. It fails
// when the host key or authorized_keys are missing; marsh init creates both.
func NewServer(cfg *config.Configuration) (*Server, error) {
	hostKey, err := cfg.HostKeyPem()
	if err != nil {
		return nil, fmt.Errorf("host key: %w", err)
	}

	keyBytes, err := cfg.AuthorizedKeysBytes()
	if err != nil {
		return nil, fmt.Errorf("authorized keys: %w", err)
	}
	authorized, err := parseAuthorizedKeys(keyBytes)
	if err != nil {
		return nil, fmt.Errorf("authorized keys: %w", err)
	}
	if len(authorized) == 0 {
		return nil, fmt.Errorf("authorized keys: no keys, add one to %s", config.AuthorizedKeysName)
	}

	eventLog, err := cfg.OpenEventLog()
	if err != nil {
		return nil, fmt.Errorf("event log: %w", err)
	}

	srv := &Server{
		cfg:        cfg,
		logger:     logger.NewJsonLinesLogRecorder(eventLog),
		eventLog:   eventLog,
		authorized: authorized,
	}

	srv.sshServer = &ssh.Server{
		Addr: cfg.SSH.Addr,
		Handler: func(s ssh.Session) {
			srv.HandleSession(s)
		},
		PublicKeyHandler: func(ctx ssh.Context, key ssh.PublicKey) bool {
			return srv.Authorized(key)
		},
	}
	if banner := cfg.SSH.Banner; banner != "" {
		srv.sshServer.BannerHandler = func(ctx ssh.Context) string {
			return banner
		}
	}
	if err := srv.sshServer.SetOption(ssh.HostKeyPEM(hostKey)); err != nil {
		return nil, fmt.Errorf("host key: %w", err)
	}

	return srv, nil
}

// Authorized reports whether key matches one of the configured
// authorized_keys entries.
func (srv *Server) Authorized(key ssh.PublicKey) bool {
	for _, candidate := range srv.authorized {
		if ssh.KeysEqual(candidate, key) {
			return true
		}
	}
	return false
}

// HandleSession runs one authenticated session to completion.
func (srv *Server) HandleSession(s ssh.Session) {
	sess := srv.logger.NewSession()
	ptyReq, winch, isPTY := s.Pty()

	start := time.Now()
	sess.Record(&logger.SessionStart{
		User:       s.User(),
		RemoteAddr: s.RemoteAddr().String(),
		Term:       ptyReq.Term,
		Width:      ptyReq.Window.Width,
		Height:     ptyReq.Window.Height,
	})
	defer func() {
		sess.Record(&logger.SessionEnd{DurationMillis: time.Since(start).Milliseconds()})
	}()

	if winch != nil {
		go func() {
			for window := range winch {
				sess.Record(&logger.TerminalResize{
					Width:  window.Width,
					Height: window.Height,
				})
			}
		}()
	}

	var (
		in     io.Reader = s
		out    io.Writer = s
		errOut io.Writer = s.Stderr()
	)

	if srv.cfg.SSH.RecordSessions {
		fd, err := srv.cfg.CreateRecording(sess.SessionID() + ".tty")
		if err != nil {
			fmt.Fprintf(s.Stderr(), "marsh: session recording unavailable: %v\r\n", err)
			s.Exit(StatusCritical)
			return
		}
		defer fd.Close()

		rec := ttylog.NewRecorder(in, out, errOut, ttylog.NewUMLLogSink(fd))
		defer rec.Finish()
		in, out, errOut = rec.Stdin(), rec.Stdout(), rec.Stderr()
	}

	// A pty delivers keystrokes raw and needs explicit carriage returns on
	// the way out. Without one the client's own terminal cooks both sides.
	var src lineedit.ByteSource = lineedit.NewStreamReader(in)
	if isPTY {
		src = lineedit.NewKeyReader(src)
		out = lineedit.NewCRLFWriter(out)
		errOut = lineedit.NewCRLFWriter(errOut)
	}

	env := append([]string(nil), s.Environ()...)
	env = append(env, EnvUser+"="+s.User())
	if isPTY && ptyReq.Term != "" {
		env = append(env, "TERM="+ptyReq.Term)
	}
	if home, err := os.UserHomeDir(); err == nil {
		env = append(env, EnvHome+"="+home, EnvPWD+"="+home)
	}

	sh := NewShell(Options{
		Config:      srv.cfg,
		Input:       src,
		Output:      out,
		ErrOutput:   errOut,
		Spawner:     &spawn.NativeBackend{Stdio: sessionStdio(out, errOut)},
		Environ:     env,
		Args:        []string{"marsh"},
		Log:         sess,
		Interactive: isPTY,
	})
	defer sh.Close()

	if err := sh.AttachIndex(); err != nil {
		fmt.Fprintf(errOut, "marsh: history index: %v\n", err)
	}
	if !isPTY {
		sh.SetEcho(false)
	}

	var status int
	if raw := s.RawCommand(); raw != "" {
		status = sh.RunCommand(raw)
	} else {
		status = sh.Run()
	}
	s.Exit(status)
}

// ListenAndServe accepts connections until Shutdown.
func (srv *Server) ListenAndServe() error {
	log.Printf("listening on %s", srv.sshServer.Addr)
	return srv.sshServer.ListenAndServe()
}

// Shutdown stops accepting connections and waits for active sessions until
// the context expires.
func (srv *Server) Shutdown(ctx context.Context) error {
	defer srv.Close()
	return srv.sshServer.Shutdown(ctx)
}

// Close releases the event log. Shutdown calls it.
func (srv *Server) Close() error {
	return srv.eventLog.Close()
}

func parseAuthorizedKeys(data []byte) ([]ssh.PublicKey, error) {
	var keys []ssh.PublicKey
	for _, line := range bytes.Split(data, []byte("\n")) {
		line = bytes.TrimSpace(line)
		if len(line) == 0 || line[0] == '#' {
			continue
		}
		key, _, _, _, err := ssh.ParseAuthorizedKey(line)
		if err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, nil
}

// sessionStdio bridges spawned commands onto the session stream. Children
// need real descriptors while the session is an SSH channel, so every spawn
// gets a fresh pipe pair pumped to the session and stdin from the null
// device.
func sessionStdio(stdout, stderr io.Writer) spawn.StdioFunc {
	return func(background bool) (redirect.Stdio, func(), error) {
		devnull, err := os.Open(os.DevNull)
		if err != nil {
			return redirect.Stdio{}, nil, err
		}
		outR, outW, err := os.Pipe()
		if err != nil {
			devnull.Close()
			return redirect.Stdio{}, nil, err
		}
		errR, errW, err := os.Pipe()
		if err != nil {
			devnull.Close()
			outR.Close()
			outW.Close()
			return redirect.Stdio{}, nil, err
		}

		var pumps sync.WaitGroup
		pumps.Add(2)
		go func() {
			defer pumps.Done()
			defer outR.Close()
			io.Copy(stdout, outR)
		}()
		go func() {
			defer pumps.Done()
			defer errR.Close()
			io.Copy(stderr, errR)
		}()

		release := func() {
			devnull.Close()
			outW.Close()
			errW.Close()
			if !background {
				// The child has exited, so the pipes drain right away and
				// its final output lands before the next prompt. Background
				// jobs keep their pumps until they exit on their own.
				pumps.Wait()
			}
		}
		return redirect.Stdio{In: devnull, Out: outW, Err: errW}, release, nil
	}
}
