package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"

	"concierge-sync/internal/booking"
	appconfig "concierge-sync/internal/config"
	"concierge-sync/internal/domain"
	"concierge-sync/internal/integrations/paramstore"
	"concierge-sync/internal/integrations/processing"
	"concierge-sync/internal/realtime"
	"concierge-sync/internal/repository"
	"concierge-sync/internal/usecase"
)

func main() {
	memberFlag := flag.String("member", "", "member id (defaults to MEMBER_ID)")
	venueID := flag.String("venue", "", "open the conversation from a venue")
	venueName := flag.String("venue-name", "", "display name of -venue")
	bookingID := flag.String("booking", "", "open the conversation from a booking")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *memberFlag, contextFromFlags(*venueID, *venueName, *bookingID), os.Stdin, os.Stdout); err != nil {
		slog.Error("concierge exited", "code", errorCode(err), "err", err)
		os.Exit(1)
	}
}

func contextFromFlags(venueID, venueName, bookingID string) domain.ConversationContext {
	switch {
	case bookingID != "":
		return domain.BookingContext(bookingID)
	case venueID != "":
		return domain.VenueContext(venueID, venueName)
	default:
		return domain.NoContext()
	}
}

func errorCode(err error) string {
	for _, code := range []usecase.ErrorCode{
		usecase.ErrorConfiguration,
		usecase.ErrorPersistence,
		usecase.ErrorInvalidInput,
	} {
		if usecase.IsCode(err, code) {
			return string(code)
		}
	}
	return "UNKNOWN"
}

func run(ctx context.Context, memberID string, cc domain.ConversationContext, in io.Reader, out io.Writer) error {
	// ---- Configuration (read only here) ----
	cfg, err := appconfig.Load()
	if err != nil {
		return usecase.ConfigurationError("load_config", err)
	}
	if err := cfg.RequireClient(); err != nil {
		return usecase.ConfigurationError("missing_settings", err)
	}
	if memberID == "" {
		memberID = cfg.MemberID
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.LogLevel}))
	slog.SetDefault(logger)

	// ---- AWS SDK config ----
	awsCfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		return usecase.ConfigurationError("aws_config", err)
	}

	// ---- Clients ----
	ssmClient, err := paramstore.New(awsssm.NewFromConfig(awsCfg))
	if err != nil {
		return usecase.ConfigurationError("ssm_client", err)
	}
	store, err := repository.New(awsdynamodb.NewFromConfig(awsCfg), cfg.StateTable)
	if err != nil {
		return usecase.ConfigurationError("state_client", err)
	}
	processor, err := processing.NewClient(cfg.ProcessingURL, ssmClient, cfg.ParamPrefix)
	if err != nil {
		return usecase.ConfigurationError("processing_client", err)
	}
	amqpURL, err := cfg.ResolveAMQPURL(ctx, ssmClient)
	if err != nil {
		return usecase.ConfigurationError("broker_url", err)
	}
	conn, err := realtime.Dial(amqpURL)
	if err != nil {
		return usecase.ConfigurationError("broker_connect", err)
	}
	defer func() { _ = conn.Close() }()
	listener, err := realtime.NewListener(realtime.ConnectionOpener(conn), cfg.Exchange, logger)
	if err != nil {
		return usecase.ConfigurationError("listener", err)
	}

	// ---- Session ----
	manager, err := usecase.NewSessionManager(store, logger)
	if err != nil {
		return err
	}
	session, err := usecase.NewSession(ctx, memberID, usecase.SessionDeps{
		Conversations: manager,
		Messages:      store,
		Processor:     processor,
		Subscriber:    usecase.ListenerSubscriber(listener),
		MergeWindow:   cfg.MergeWindow,
		Logger:        logger,
	})
	if err != nil {
		return err
	}
	defer session.SignOut()

	bookings, err := booking.NewService(store, logger)
	if err != nil {
		return err
	}

	conv, err := session.OpenConversation(ctx, cc)
	if err != nil {
		return err
	}

	r := newRenderer(out)
	r.all(conv.Messages())
	conv.OnChange(r.render)

	return repl(ctx, &client{
		out:      out,
		memberID: memberID,
		conv:     conv,
		bookings: bookings,
		render:   r,
	}, in)
}

type client struct {
	out      io.Writer
	memberID string
	conv     *usecase.Conversation
	bookings *booking.Service
	render   *renderer
}

func repl(ctx context.Context, c *client, in io.Reader) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			lines <- sc.Text()
		}
	}()

	fmt.Fprintln(c.out, "Type a message, or /history, /bookings, /cancel <booking-id> <reason>, /quit")
	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if quit := c.handle(ctx, strings.TrimSpace(line)); quit {
				return nil
			}
		}
	}
}

func (c *client) handle(ctx context.Context, line string) (quit bool) {
	switch {
	case line == "":
	case line == "/quit":
		return true
	case line == "/history":
		c.render.all(c.conv.Messages())
	case line == "/bookings":
		c.listBookings(ctx)
	case strings.HasPrefix(line, "/cancel"):
		fields := strings.Fields(line)
		if len(fields) < 2 {
			fmt.Fprintln(c.out, "usage: /cancel <booking-id> <reason>")
			return false
		}
		reason := strings.Join(fields[2:], " ")
		if err := c.bookings.Cancel(ctx, fields[1], reason); err != nil {
			fmt.Fprintf(c.out, "! could not cancel booking: %v\n", err)
			return false
		}
		fmt.Fprintf(c.out, "booking %s cancelled\n", fields[1])
	default:
		res, err := c.conv.Send(line)
		switch {
		case usecase.IsCode(err, usecase.ErrorRejected):
			fmt.Fprintln(c.out, "! still sending the previous message")
		case err != nil:
			fmt.Fprintf(c.out, "! message not sent: %v\n", err)
		case res.Apology:
			slog.Debug("processing unavailable", "correlation_id", res.CorrelationID)
		}
	}
	return false
}

func (c *client) listBookings(ctx context.Context) {
	if err := c.bookings.Refresh(ctx, c.memberID); err != nil {
		fmt.Fprintf(c.out, "! could not load bookings: %v\n", err)
		return
	}
	upcoming, past := c.bookings.Partition()
	printBookings(c.out, "Upcoming", upcoming)
	printBookings(c.out, "Past", past)
}

func printBookings(out io.Writer, title string, list []domain.Booking) {
	fmt.Fprintf(out, "%s (%d)\n", title, len(list))
	for _, b := range list {
		fmt.Fprintf(out, "  %s  %s %s  party of %d  [%s]\n",
			b.ID,
			b.BookingDate.Format("Mon 2 Jan"),
			b.BookingTime,
			b.PartySize,
			booking.Label(booking.Project(b.RawStatus)),
		)
	}
}

// renderer prints each timeline entry once, keyed so a temporary entry and
// the canonical row that replaces it count as the same line.
type renderer struct {
	out  io.Writer
	mu   sync.Mutex
	seen map[string]struct{}
}

func newRenderer(out io.Writer) *renderer {
	return &renderer{out: out, seen: make(map[string]struct{})}
}

func lineKey(m domain.Message) string {
	if m.CorrelationID != "" {
		return string(m.Sender) + "/" + m.CorrelationID
	}
	return m.ID
}

func (r *renderer) render(msgs []domain.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range msgs {
		k := lineKey(m)
		if _, ok := r.seen[k]; ok {
			continue
		}
		r.seen[k] = struct{}{}
		if m.Sender == domain.SenderMember {
			continue
		}
		printMessage(r.out, m)
	}
}

// all prints the whole timeline, member lines included.
func (r *renderer) all(msgs []domain.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, m := range msgs {
		r.seen[lineKey(m)] = struct{}{}
		printMessage(r.out, m)
	}
}

func printMessage(out io.Writer, m domain.Message) {
	who := "you"
	if m.Sender == domain.SenderConcierge {
		who = "concierge"
	}
	ts := m.CreatedAt.Local().Format(time.Kitchen)
	fmt.Fprintf(out, "[%s] %s: %s\n", ts, who, m.Text)
}
