package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/unimarket/chatsync"
)

// ============================================================================
// Flag variables
// ============================================================================

var (
	// conversations
	conversationsJSON bool

	// send
	sendServiceJSON string
	sendJSON        bool

	// history
	historyWait time.Duration
	historyJSON bool

	// watch
	watchMetricsAddr string
)

func init() {
	conversationsCmd.Flags().BoolVar(&conversationsJSON, "json", false, "Print raw JSON")
	sendCmd.Flags().StringVar(&sendServiceJSON, "service-json", "", "Attach a service preview read from this JSON file")
	sendCmd.Flags().BoolVar(&sendJSON, "json", false, "Print the sent message as JSON")
	historyCmd.Flags().DurationVar(&historyWait, "wait", 5*time.Second, "How long to wait for server history")
	historyCmd.Flags().BoolVar(&historyJSON, "json", false, "Print raw JSON")
	watchCmd.Flags().StringVar(&watchMetricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address (e.g. :9090)")

	rootCmd.AddCommand(conversationsCmd, sendCmd, historyCmd, readCmd, watchCmd, logoutCmd)
}

// startSession starts env's session. A realtime failure is reported and
// tolerated: REST calls still work.
func startSession(ctx context.Context, env *chatEnv) error {
	err := env.session.Start(ctx)
	if errors.Is(err, chatsync.ErrNoToken) {
		return fmt.Errorf("no token stored. Run 'chatsync init <token>' first")
	}
	if err != nil && !env.session.Running() {
		return err
	}
	if err != nil {
		env.log.Warn().Err(err).Msg("realtime unavailable, continuing over REST")
	}
	return nil
}

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

// ============================================================================
// conversations
// ============================================================================

var conversationsCmd = &cobra.Command{
	Use:   "conversations",
	Short: "List conversations, most recent first",
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := newChatEnv(nil)
		if err != nil {
			return err
		}
		defer env.Close()

		ctx, cancel := context.WithTimeout(cmd.Context(), 15*time.Second)
		defer cancel()
		if err := startSession(ctx, env); err != nil {
			return err
		}

		list, err := env.session.FetchConversations(ctx)
		if err != nil {
			return err
		}
		if conversationsJSON {
			return printJSON(list)
		}

		self := env.session.SelfID()
		fmt.Printf("%d conversations, %d unread\n", len(list), env.session.TotalUnread())
		for _, c := range list {
			name := "(unknown)"
			if p, ok := c.Counterpart(self); ok {
				name = participantName(p)
			}
			badge := ""
			if c.UnreadCount > 0 {
				badge = fmt.Sprintf(" [%d]", c.UnreadCount)
			}
			preview := ""
			if c.LastMessage != nil {
				preview = contentLine(c.LastMessage.Content)
			}
			fmt.Printf("%s  %-20s%s  %s\n", c.ID, name, badge, preview)
		}
		return nil
	},
}

// ============================================================================
// send
// ============================================================================

var sendCmd = &cobra.Command{
	Use:   "send <recipient-id> [text]",
	Short: "Send a message to a user",
	Long:  "Send a message to a user, opening the existing conversation with them or\nstarting a new one. With --service-json the message asks about a service.",
	Args:  cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		recipient := args[0]
		text := ""
		if len(args) == 2 {
			text = args[1]
		}

		env, err := newChatEnv(nil)
		if err != nil {
			return err
		}
		defer env.Close()

		ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
		defer cancel()
		if err := startSession(ctx, env); err != nil {
			return err
		}

		if _, _, err := env.session.StartConversation(ctx, chatsync.User{ID: recipient}); err != nil {
			return err
		}
		if sendServiceJSON != "" {
			data, err := os.ReadFile(sendServiceJSON)
			if err != nil {
				return fmt.Errorf("cannot read service file: %w", err)
			}
			var preview chatsync.ServicePreview
			if err := json.Unmarshal(data, &preview); err != nil {
				return fmt.Errorf("cannot parse service file: %w", err)
			}
			env.session.AttachService(preview)
		}

		msg, err := env.session.SendMessage(ctx, text)
		if err != nil {
			return err
		}
		if sendJSON {
			return printJSON(msg)
		}
		fmt.Printf("Sent to %s in conversation %s\n", recipient, msg.ConversationID)
		return nil
	},
}

// ============================================================================
// history
// ============================================================================

var historyCmd = &cobra.Command{
	Use:   "history <conversation-id>",
	Short: "Print the messages of a conversation",
	Long:  "Print cached messages at once, then the history merged from the server\nonce it arrives or --wait elapses.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id := args[0]
		env, err := newChatEnv(nil)
		if err != nil {
			return err
		}
		defer env.Close()

		merged := make(chan []chatsync.Message, 1)
		env.session.On(chatsync.EventMessagesUpdated, func(_ string, payload any) {
			u, ok := payload.(chatsync.MessagesUpdated)
			if !ok {
				return
			}
			if got, _ := u.Ref.ID(); got != id {
				return
			}
			select {
			case merged <- u.Messages:
			default:
			}
		})

		ctx, cancel := context.WithTimeout(cmd.Context(), historyWait+15*time.Second)
		defer cancel()
		if err := startSession(ctx, env); err != nil {
			return err
		}

		cached, err := env.session.OpenConversation(ctx, chatsync.Conversation{ID: id})
		if err != nil {
			return err
		}

		msgs := cached
		select {
		case msgs = <-merged:
		case <-time.After(historyWait):
			env.log.Info().Msg("no history from server, showing cached messages")
		}

		if historyJSON {
			return printJSON(msgs)
		}
		self := env.session.SelfID()
		for _, m := range msgs {
			printMessage(m, self)
		}
		return nil
	},
}

// ============================================================================
// read
// ============================================================================

var readCmd = &cobra.Command{
	Use:   "read <conversation-id>",
	Short: "Mark a conversation as read",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := newChatEnv(nil)
		if err != nil {
			return err
		}
		defer env.Close()

		ctx, cancel := context.WithTimeout(cmd.Context(), 15*time.Second)
		defer cancel()
		if err := startSession(ctx, env); err != nil {
			return err
		}
		if err := env.session.MarkAsRead(ctx, args[0]); err != nil {
			return err
		}
		fmt.Printf("Marked %s as read\n", args[0])
		return nil
	},
}

// ============================================================================
// watch
// ============================================================================

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Print live chat events until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		var reg *prometheus.Registry
		if watchMetricsAddr != "" {
			reg = prometheus.NewRegistry()
		}
		var registerer prometheus.Registerer
		if reg != nil {
			registerer = reg
		}

		env, err := newChatEnv(registerer)
		if err != nil {
			return err
		}
		defer env.Close()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if reg != nil {
			srv := &http.Server{
				Addr:              watchMetricsAddr,
				Handler:           promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}),
				ReadHeaderTimeout: 5 * time.Second,
			}
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					env.log.Error().Err(err).Msg("metrics server")
				}
			}()
			defer srv.Close()
			env.log.Info().Str("addr", watchMetricsAddr).Msg("serving metrics")
		}

		s := env.session
		s.On(chatsync.EventConnectionChanged, func(_ string, payload any) {
			if up, _ := payload.(bool); up {
				fmt.Println("* connected")
			} else {
				fmt.Println("* disconnected")
			}
		})
		s.On(chatsync.EventMessagesUpdated, func(_ string, payload any) {
			u, ok := payload.(chatsync.MessagesUpdated)
			if !ok || len(u.Messages) == 0 {
				return
			}
			fmt.Printf("* %s: ", u.Ref)
			printMessage(u.Messages[len(u.Messages)-1], s.SelfID())
		})
		s.On(chatsync.EventConversationsUpdated, func(_ string, payload any) {
			fmt.Printf("* unread: %d\n", s.TotalUnread())
		})
		s.On(chatsync.EventTypingChanged, func(_ string, payload any) {
			if p, ok := payload.(chatsync.TypingPayload); ok {
				users := s.TypingUsers(p.ConversationID)
				if len(users) > 0 {
					fmt.Printf("* %s typing in %s\n", strings.Join(users, ", "), p.ConversationID)
				}
			}
		})
		s.On(chatsync.EventPresenceChanged, func(_ string, payload any) {
			fmt.Printf("* online: %s\n", strings.Join(s.OnlineUsers(), ", "))
		})

		startCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
		err = startSession(startCtx, env)
		cancel()
		if err != nil {
			return err
		}
		if _, err := s.FetchConversations(ctx); err != nil {
			env.log.Warn().Err(err).Msg("initial conversation fetch")
		}

		<-ctx.Done()
		fmt.Println()
		return nil
	},
}

// ============================================================================
// logout
// ============================================================================

var logoutCmd = &cobra.Command{
	Use:   "logout",
	Short: "Forget the stored token and cached messages",
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := newChatEnv(nil)
		if err != nil {
			return err
		}
		defer env.Close()
		if err := env.session.Logout(); err != nil {
			return err
		}
		fmt.Println("Logged out.")
		return nil
	},
}
