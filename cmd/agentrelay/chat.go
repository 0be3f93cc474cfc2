package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"agentrelay/internal/domain"
	"agentrelay/internal/identity"
)

// cliUserID is the channel user for terminal conversations.
const cliUserID = "cli"

func chatCmd() *cobra.Command {
	var sessionID string
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Chat with the agent in the terminal",
		Long:  "Interactive REPL against the configured agent. Turns are stored like any other conversation.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := newApp(cfg, false)
			if err != nil {
				return err
			}
			defer a.Close()

			if sessionID == "" {
				sessionID = identity.MintSessionID()
			}
			r := newREPL(a.invoker, os.Stdin, os.Stdout)
			return r.run(ctx, sessionID)
		},
	}
	cmd.Flags().StringVarP(&sessionID, "session", "s", "", "resume an existing session id")
	return cmd
}

type invoker interface {
	Invoke(ctx context.Context, conv domain.Conversation, text string) (domain.AgentReply, error)
}

// repl is the terminal chat loop.
type repl struct {
	invoker invoker
	in      io.Reader
	out     io.Writer
	spinner bool

	thinkMu   sync.Mutex
	thinkStop chan struct{}
	thinkDone chan struct{}
}

func newREPL(inv invoker, in io.Reader, out io.Writer) *repl {
	f, ok := out.(*os.File)
	return &repl{invoker: inv, in: in, out: out, spinner: ok && isTerminal(f)}
}

func (r *repl) run(ctx context.Context, sessionID string) error {
	conv := domain.Conversation{ChannelUserID: cliUserID, SessionID: sessionID}
	fmt.Fprintf(r.out, "agentrelay chat (session %s). /new starts over, /quit exits.\n", sessionID)
	fmt.Fprint(r.out, "You> ")

	scanner := bufio.NewScanner(r.in)
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		if !scanner.Scan() {
			return scanner.Err()
		}

		line := strings.TrimSpace(scanner.Text())
		switch line {
		case "":
			fmt.Fprint(r.out, "You> ")
			continue
		case "/quit", "/exit", "/q":
			return nil
		case "/new":
			conv.SessionID = identity.MintSessionID()
			fmt.Fprintf(r.out, "New session %s\nYou> ", conv.SessionID)
			continue
		}

		r.startThinking()
		reply, err := r.invoker.Invoke(ctx, conv, line)
		r.stopThinking()

		switch {
		case err != nil:
			fmt.Fprintf(r.out, "error: %v\n", err)
		case reply.Empty():
			fmt.Fprintln(r.out, "(no response)")
		default:
			fmt.Fprintln(r.out, "--- agent ---")
			fmt.Fprintln(r.out, reply.Text)
			fmt.Fprintln(r.out, "-------------")
		}
		fmt.Fprint(r.out, "You> ")
	}
}

func (r *repl) startThinking() {
	if !r.spinner {
		return
	}
	r.thinkMu.Lock()
	defer r.thinkMu.Unlock()
	r.thinkStop = make(chan struct{})
	r.thinkDone = make(chan struct{})
	stop, done := r.thinkStop, r.thinkDone
	go func() {
		defer close(done)
		frames := []string{"⠋", "⠙", "⠹", "⠸", "⠼", "⠴", "⠦", "⠧", "⠇", "⠏"}
		ticker := time.NewTicker(100 * time.Millisecond)
		defer ticker.Stop()
		for i := 0; ; i++ {
			select {
			case <-stop:
				fmt.Fprint(r.out, "\r\033[K")
				return
			case <-ticker.C:
				fmt.Fprintf(r.out, "\r%s Thinking...", frames[i%len(frames)])
			}
		}
	}()
}

func (r *repl) stopThinking() {
	r.thinkMu.Lock()
	defer r.thinkMu.Unlock()
	if r.thinkStop != nil {
		close(r.thinkStop)
		<-r.thinkDone
		r.thinkStop, r.thinkDone = nil, nil
	}
}

func isTerminal(f *os.File) bool {
	info, err := f.Stat()
	return err == nil && info.Mode()&os.ModeCharDevice != 0
}
