// Package cli implements the courierctl command surface over the
// daemon's unix-socket control API.
package cli

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/diayal/courierd/internal/api"
	"github.com/diayal/courierd/internal/ctlclient"
	"github.com/diayal/courierd/internal/model"
)

type Runner struct {
	client *ctlclient.Client
	out    io.Writer
	errOut io.Writer
}

func NewRunner(socketPath string, out, errOut io.Writer) *Runner {
	return NewRunnerWithClient(ctlclient.New(socketPath), out, errOut)
}

func NewRunnerWithClient(client *ctlclient.Client, out, errOut io.Writer) *Runner {
	if out == nil {
		out = os.Stdout
	}
	if errOut == nil {
		errOut = os.Stderr
	}
	return &Runner{client: client, out: out, errOut: errOut}
}

func (r *Runner) Run(ctx context.Context, args []string) int {
	socketPath, rest, err := parseGlobalArgs(args)
	if err != nil {
		_, _ = fmt.Fprintf(r.errOut, "error: %v\n", err)
		return 2
	}
	if socketPath != "" {
		r.client = ctlclient.New(socketPath)
	}
	if len(rest) == 0 {
		r.printUsage()
		return 2
	}
	switch rest[0] {
	case "status":
		return r.runStatus(ctx, rest[1:])
	case "sync":
		return r.runSync(ctx, rest[1:])
	case "queue":
		return r.runQueue(ctx, rest[1:])
	case "deadletter":
		return r.runDeadLetter(ctx, rest[1:])
	case "login":
		return r.runLogin(ctx, rest[1:])
	case "activate":
		return r.runActivate(ctx, rest[1:])
	case "logout":
		return r.runLogout(ctx)
	case "availability":
		return r.runAvailability(ctx, rest[1:])
	case "deliveries":
		return r.runDeliveries(ctx, rest[1:])
	case "delivery":
		return r.runDelivery(ctx, rest[1:])
	case "accept":
		return r.runAccept(ctx, rest[1:])
	case "reject":
		return r.runReject(ctx, rest[1:])
	case "pickup":
		return r.runStatusUpdate(ctx, rest[1:], model.StatusPickedUp)
	case "enroute":
		return r.runStatusUpdate(ctx, rest[1:], model.StatusEnRoute)
	case "arrived":
		return r.runStatusUpdate(ctx, rest[1:], model.StatusArrived)
	case "deliver":
		return r.runStatusUpdate(ctx, rest[1:], model.StatusDelivered)
	case "validate":
		return r.runValidate(ctx, rest[1:])
	case "fail":
		return r.runFail(ctx, rest[1:])
	case "proof":
		return r.runProof(ctx, rest[1:])
	case "issue":
		return r.runIssue(ctx, rest[1:])
	case "location":
		return r.runLocation(ctx, rest[1:])
	default:
		_, _ = fmt.Fprintf(r.errOut, "unknown command: %s\n", rest[0])
		r.printUsage()
		return 2
	}
}

func (r *Runner) runStatus(ctx context.Context, args []string) int {
	jsonOut, _, ok := r.parseFlags("status", args, 0)
	if !ok {
		return 2
	}
	resp, err := r.client.Status(ctx)
	if err != nil {
		return r.handleErr(err)
	}
	if jsonOut {
		return r.printJSON(resp)
	}
	auth := "not logged in"
	if resp.Authenticated && resp.Courier != nil {
		auth = fmt.Sprintf("logged in as %s", resp.Courier.Name)
	}
	_, _ = fmt.Fprintf(r.out, "%s\n", auth)
	_, _ = fmt.Fprintf(r.out, "queued actions: %d\n", resp.QueueDepth)
	_, _ = fmt.Fprintf(r.out, "dead letters: %d\n", resp.DeadLetters)
	if resp.LastSyncAt != nil && resp.LastSync != nil {
		_, _ = fmt.Fprintf(r.out, "last sync: %s (%d ok, %d failed)\n",
			resp.LastSyncAt.Format("2006-01-02 15:04:05"), resp.LastSync.Success, resp.LastSync.Failed)
	}
	return 0
}

func (r *Runner) runSync(ctx context.Context, args []string) int {
	jsonOut, _, ok := r.parseFlags("sync", args, 0)
	if !ok {
		return 2
	}
	resp, err := r.client.Sync(ctx)
	if err != nil {
		return r.handleErr(err)
	}
	if jsonOut {
		return r.printJSON(resp)
	}
	_, _ = fmt.Fprintf(r.out, "synced: %d ok, %d failed\n", resp.Result.Success, resp.Result.Failed)
	return 0
}

func (r *Runner) runQueue(ctx context.Context, args []string) int {
	jsonOut, _, ok := r.parseFlags("queue", args, 0)
	if !ok {
		return 2
	}
	resp, err := r.client.Queue(ctx)
	if err != nil {
		return r.handleErr(err)
	}
	if jsonOut {
		return r.printJSON(resp)
	}
	for _, a := range resp.Actions {
		_, _ = fmt.Fprintf(r.out, "%s\t%s\t%s\tretries=%d\t%s\n",
			a.ID, a.Type, a.DeliveryID, a.Retries, a.CreatedAt.Format("2006-01-02 15:04:05"))
	}
	return 0
}

func (r *Runner) runDeadLetter(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("deadletter", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	jsonOut := fs.Bool("json", false, "output JSON")
	purge := fs.Bool("purge", false, "discard all dead letters")
	if err := fs.Parse(args); err != nil || fs.NArg() != 0 {
		_, _ = fmt.Fprintln(r.errOut, "usage: courierctl deadletter [--json] [--purge]")
		return 2
	}
	if *purge {
		if err := r.client.PurgeDeadLetters(ctx); err != nil {
			return r.handleErr(err)
		}
		_, _ = fmt.Fprintln(r.out, "dead letters purged")
		return 0
	}
	resp, err := r.client.DeadLetters(ctx)
	if err != nil {
		return r.handleErr(err)
	}
	if *jsonOut {
		return r.printJSON(resp)
	}
	for _, d := range resp.DeadLetters {
		_, _ = fmt.Fprintf(r.out, "%s\t%s\t%s\t%s\t%s\n",
			d.Action.ID, d.Action.Type, d.Action.DeliveryID, d.Cause, d.DroppedAt.Format("2006-01-02 15:04:05"))
	}
	return 0
}

func (r *Runner) runLogin(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("login", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	phone := fs.String("phone", "", "courier phone number")
	password := fs.String("password", "", "courier password")
	if err := fs.Parse(args); err != nil {
		_, _ = fmt.Fprintf(r.errOut, "error: %v\n", err)
		return 2
	}
	if *phone == "" || *password == "" {
		_, _ = fmt.Fprintln(r.errOut, "usage: courierctl login --phone <phone> --password <password>")
		return 2
	}
	resp, err := r.client.Login(ctx, *phone, *password)
	if err != nil {
		return r.handleErr(err)
	}
	if resp.Courier != nil {
		_, _ = fmt.Fprintf(r.out, "logged in as %s\n", resp.Courier.Name)
	} else {
		_, _ = fmt.Fprintln(r.out, "logged in")
	}
	return 0
}

func (r *Runner) runActivate(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("activate", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	phone := fs.String("phone", "", "courier phone number")
	otp := fs.String("otp", "", "one-time code")
	password := fs.String("password", "", "new password")
	if err := fs.Parse(args); err != nil {
		_, _ = fmt.Fprintf(r.errOut, "error: %v\n", err)
		return 2
	}
	if *phone == "" || *otp == "" || *password == "" {
		_, _ = fmt.Fprintln(r.errOut, "usage: courierctl activate --phone <phone> --otp <code> --password <password>")
		return 2
	}
	resp, err := r.client.Activate(ctx, *phone, *otp, *password)
	if err != nil {
		return r.handleErr(err)
	}
	if resp.Courier != nil {
		_, _ = fmt.Fprintf(r.out, "account activated for %s\n", resp.Courier.Name)
	} else {
		_, _ = fmt.Fprintln(r.out, "account activated")
	}
	return 0
}

func (r *Runner) runLogout(ctx context.Context) int {
	if err := r.client.Logout(ctx); err != nil {
		return r.handleErr(err)
	}
	_, _ = fmt.Fprintln(r.out, "logged out")
	return 0
}

func (r *Runner) runAvailability(ctx context.Context, args []string) int {
	if len(args) != 1 {
		_, _ = fmt.Fprintln(r.errOut, "usage: courierctl availability <available|busy|offline>")
		return 2
	}
	if err := r.client.SetAvailability(ctx, model.Availability(args[0])); err != nil {
		return r.handleErr(err)
	}
	_, _ = fmt.Fprintf(r.out, "availability set to %s\n", args[0])
	return 0
}

func (r *Runner) runDeliveries(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("deliveries", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	jsonOut := fs.Bool("json", false, "output JSON")
	bucket := fs.String("bucket", "active", "pending, active or done")
	if err := fs.Parse(args); err != nil {
		_, _ = fmt.Fprintf(r.errOut, "error: %v\n", err)
		return 2
	}
	resp, err := r.client.Deliveries(ctx, model.Bucket(*bucket))
	if err != nil {
		return r.handleErr(err)
	}
	if *jsonOut {
		return r.printJSON(resp)
	}
	if resp.FromCache {
		_, _ = fmt.Fprintln(r.errOut, "offline: showing cached deliveries")
	}
	for _, d := range resp.Deliveries {
		_, _ = fmt.Fprintf(r.out, "%s\t%s\t%s\t%s\n", d.ID, d.Status, d.PickupAddressText, d.DropoffAddressText)
	}
	return 0
}

func (r *Runner) runDelivery(ctx context.Context, args []string) int {
	jsonOut, rest, ok := r.parseFlags("delivery", args, 1)
	if !ok {
		_, _ = fmt.Fprintln(r.errOut, "usage: courierctl delivery <id>")
		return 2
	}
	resp, err := r.client.Delivery(ctx, rest[0])
	if err != nil {
		return r.handleErr(err)
	}
	if jsonOut {
		return r.printJSON(resp)
	}
	d := resp.Delivery
	_, _ = fmt.Fprintf(r.out, "%s\t%s\t%s -> %s\tfee %s\n", d.ID, d.Status, d.PickupAddressText, d.DropoffAddressText, d.FeeAmount)
	return 0
}

func (r *Runner) runAccept(ctx context.Context, args []string) int {
	if len(args) != 1 {
		_, _ = fmt.Fprintln(r.errOut, "usage: courierctl accept <delivery-id>")
		return 2
	}
	resp, err := r.client.Accept(ctx, args[0])
	if err != nil {
		return r.handleErr(err)
	}
	return r.printActionOutcome(resp)
}

func (r *Runner) runReject(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("reject", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	reason := fs.String("reason", "", "rejection reason")
	if err := fs.Parse(args); err != nil {
		_, _ = fmt.Fprintf(r.errOut, "error: %v\n", err)
		return 2
	}
	if fs.NArg() != 1 {
		_, _ = fmt.Fprintln(r.errOut, "usage: courierctl reject [--reason <text>] <delivery-id>")
		return 2
	}
	resp, err := r.client.Reject(ctx, fs.Arg(0), *reason)
	if err != nil {
		return r.handleErr(err)
	}
	return r.printActionOutcome(resp)
}

func (r *Runner) runStatusUpdate(ctx context.Context, args []string, status model.DeliveryStatus) int {
	fs := flag.NewFlagSet(strings.ToLower(string(status)), flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	lat := fs.Float64("lat", 0, "latitude")
	lng := fs.Float64("lng", 0, "longitude")
	if err := fs.Parse(args); err != nil {
		_, _ = fmt.Fprintf(r.errOut, "error: %v\n", err)
		return 2
	}
	if fs.NArg() != 1 {
		_, _ = fmt.Fprintln(r.errOut, "usage: courierctl <pickup|enroute|arrived|deliver> [--lat <lat> --lng <lng>] <delivery-id>")
		return 2
	}
	var loc *model.Location
	if *lat != 0 || *lng != 0 {
		loc = &model.Location{Lat: *lat, Lng: *lng}
	}
	resp, err := r.client.UpdateStatus(ctx, fs.Arg(0), status, loc)
	if err != nil {
		return r.handleErr(err)
	}
	return r.printActionOutcome(resp)
}

func (r *Runner) runValidate(ctx context.Context, args []string) int {
	if len(args) != 2 {
		_, _ = fmt.Fprintln(r.errOut, "usage: courierctl validate <delivery-id> <code>")
		return 2
	}
	resp, err := r.client.Validate(ctx, args[0], args[1])
	if err != nil {
		return r.handleErr(err)
	}
	switch {
	case resp.Queued:
		_, _ = fmt.Fprintln(r.out, "offline: code saved, will be validated on sync")
	case resp.Valid:
		_, _ = fmt.Fprintln(r.out, "code accepted")
	default:
		msg := resp.Message
		if msg == "" {
			msg = "code rejected"
		}
		_, _ = fmt.Fprintln(r.out, msg)
		return 1
	}
	return 0
}

func (r *Runner) runFail(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("fail", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	reason := fs.String("reason", "", "failure reason")
	comment := fs.String("comment", "", "free-form comment")
	if err := fs.Parse(args); err != nil {
		_, _ = fmt.Fprintf(r.errOut, "error: %v\n", err)
		return 2
	}
	if fs.NArg() != 1 || *reason == "" {
		_, _ = fmt.Fprintln(r.errOut, "usage: courierctl fail --reason <reason> [--comment <text>] <delivery-id>")
		return 2
	}
	resp, err := r.client.Fail(ctx, fs.Arg(0), model.FailureReason(*reason), *comment, nil)
	if err != nil {
		return r.handleErr(err)
	}
	return r.printActionOutcome(resp)
}

func (r *Runner) runProof(ctx context.Context, args []string) int {
	if len(args) != 2 {
		_, _ = fmt.Fprintln(r.errOut, "usage: courierctl proof <delivery-id> <photo-path>")
		return 2
	}
	resp, err := r.client.UploadProof(ctx, args[0], args[1])
	if err != nil {
		return r.handleErr(err)
	}
	return r.printActionOutcome(resp)
}

func (r *Runner) runIssue(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("issue", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	reason := fs.String("reason", "", "issue reason")
	description := fs.String("description", "", "issue description")
	if err := fs.Parse(args); err != nil {
		_, _ = fmt.Fprintf(r.errOut, "error: %v\n", err)
		return 2
	}
	if fs.NArg() != 1 || *reason == "" {
		_, _ = fmt.Fprintln(r.errOut, "usage: courierctl issue --reason <reason> [--description <text>] <delivery-id>")
		return 2
	}
	resp, err := r.client.ReportIssue(ctx, fs.Arg(0), *reason, *description)
	if err != nil {
		return r.handleErr(err)
	}
	return r.printActionOutcome(resp)
}

func (r *Runner) runLocation(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("location", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	lat := fs.Float64("lat", 0, "latitude")
	lng := fs.Float64("lng", 0, "longitude")
	accuracy := fs.Float64("accuracy", 0, "accuracy in meters")
	if err := fs.Parse(args); err != nil {
		_, _ = fmt.Fprintf(r.errOut, "error: %v\n", err)
		return 2
	}
	if fs.NArg() != 1 {
		_, _ = fmt.Fprintln(r.errOut, "usage: courierctl location --lat <lat> --lng <lng> [--accuracy <m>] <delivery-id>")
		return 2
	}
	var acc *float64
	if *accuracy > 0 {
		acc = accuracy
	}
	resp, err := r.client.SendLocation(ctx, fs.Arg(0), *lat, *lng, acc)
	if err != nil {
		return r.handleErr(err)
	}
	return r.printActionOutcome(resp)
}

// parseFlags handles the shared --json flag plus a fixed number of
// positional arguments.
func (r *Runner) parseFlags(name string, args []string, positional int) (bool, []string, bool) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	jsonOut := fs.Bool("json", false, "output JSON")
	if err := fs.Parse(args); err != nil {
		_, _ = fmt.Fprintf(r.errOut, "error: %v\n", err)
		return false, nil, false
	}
	if fs.NArg() != positional {
		return false, nil, false
	}
	return *jsonOut, fs.Args(), true
}

func (r *Runner) printActionOutcome(resp api.ActionResponse) int {
	if resp.Queued {
		_, _ = fmt.Fprintf(r.out, "offline: action queued for sync (%s)\n", resp.ActionID)
		return 0
	}
	_, _ = fmt.Fprintln(r.out, "ok")
	return 0
}

func (r *Runner) printJSON(payload any) int {
	enc := json.NewEncoder(r.out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(payload); err != nil {
		return r.handleErr(err)
	}
	return 0
}

func (r *Runner) handleErr(err error) int {
	_, _ = fmt.Fprintf(r.errOut, "error: %v\n", err)
	return 1
}

func (r *Runner) printUsage() {
	_, _ = fmt.Fprintln(r.errOut, "usage: courierctl [--socket <path>] <status|sync|queue|deadletter|login|activate|logout|availability|deliveries|delivery|accept|reject|pickup|enroute|arrived|deliver|validate|fail|proof|issue|location> ...")
}

// parseGlobalArgs extracts --socket; an empty socket means the runner's
// existing client stands.
func parseGlobalArgs(args []string) (string, []string, error) {
	socket := ""
	rest := make([]string, 0, len(args))
	for i := 0; i < len(args); i++ {
		if args[i] == "--socket" {
			if i+1 >= len(args) {
				return "", nil, fmt.Errorf("--socket requires value")
			}
			socket = args[i+1]
			i++
			continue
		}
		rest = append(rest, args[i])
	}
	return socket, rest, nil
}
