// Command ussdsim drives the /ussd callback from a terminal the way an
// aggregator would for a handset.
package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/spf13/pflag"
)

func main() {
	if err := run(os.Args[1:], os.Stdin, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "ussdsim: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string, in io.Reader, out io.Writer) error {
	var (
		endpoint    string
		sessionID   string
		phone       string
		serviceCode string
		cumulative  bool
		timeout     time.Duration
	)

	flagSet := pflag.NewFlagSet("ussdsim", pflag.ContinueOnError)
	flagSet.StringVar(&endpoint, "url", "http://localhost:8080/ussd", "callback URL")
	flagSet.StringVar(&sessionID, "session", "", "session id (random when empty)")
	flagSet.StringVar(&phone, "phone", "+256771234567", "caller phone number")
	flagSet.StringVar(&serviceCode, "service-code", "*384*1#", "dialled service code")
	flagSet.BoolVar(&cumulative, "cumulative", false, "send every answer joined by '*' like Africa's Talking")
	flagSet.DurationVar(&timeout, "timeout", 30*time.Second, "per request timeout")
	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	dialer := &dialer{
		endpoint:    endpoint,
		sessionID:   sessionID,
		phone:       phone,
		serviceCode: serviceCode,
		cumulative:  cumulative,
		timeout:     timeout,
	}
	return dialer.converse(in, out)
}

type dialer struct {
	endpoint    string
	sessionID   string
	phone       string
	serviceCode string
	cumulative  bool
	timeout     time.Duration

	hops []string
}

func (d *dialer) converse(in io.Reader, out io.Writer) error {
	scanner := bufio.NewScanner(in)
	input := ""
	for {
		reply, err := d.send(input)
		if err != nil {
			return err
		}
		directive, text, _ := strings.Cut(reply, " ")
		fmt.Fprintln(out, text)
		if directive != "CON" {
			return nil
		}

		fmt.Fprint(out, "> ")
		if !scanner.Scan() {
			return scanner.Err()
		}
		input = strings.TrimSpace(scanner.Text())
	}
}

// text builds the text field for the next hop.
func (d *dialer) text(input string) string {
	if !d.cumulative {
		return input
	}
	if input == "" && len(d.hops) == 0 {
		return ""
	}
	d.hops = append(d.hops, input)
	return strings.Join(d.hops, "*")
}

func (d *dialer) send(input string) (string, error) {
	args := fiber.AcquireArgs()
	defer fiber.ReleaseArgs(args)
	args.Set("sessionId", d.sessionID)
	args.Set("phoneNumber", d.phone)
	args.Set("serviceCode", d.serviceCode)
	args.Set("text", d.text(input))

	agent := fiber.Post(d.endpoint)
	agent.Form(args)
	agent.Timeout(d.timeout)
	if err := agent.Parse(); err != nil {
		fiber.ReleaseAgent(agent)
		return "", err
	}

	status, body, errs := agent.Bytes()
	if len(errs) > 0 {
		return "", errors.Join(errs...)
	}
	if status != fiber.StatusOK {
		return "", fmt.Errorf("callback returned %d: %s", status, body)
	}
	return string(body), nil
}
