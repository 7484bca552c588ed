package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/relayfield/outreach/internal/config"
	"github.com/relayfield/outreach/internal/queue"
	"github.com/relayfield/outreach/internal/session"
)

func main() {
	addrFlag := flag.String("addr", "", "daemon address (overrides config)")
	jsonFlag := flag.Bool("json", false, "output in JSON format")
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	addr := *addrFlag
	if addr == "" {
		cfg, err := config.LoadOrDefault(session.ConfigPath())
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		addr = cfg.Listen.Addr
	}

	c := &ctl{
		base:    "http://" + addr,
		client:  &http.Client{Timeout: 30 * time.Second},
		jsonOut: *jsonFlag,
	}

	switch args[0] {
	case "status":
		c.cmdStatus()
	case "queue":
		c.cmdQueue()
	case "refresh":
		c.cmdRefresh()
	case "more":
		c.cmdMore()
	case "sent":
		if len(args) < 3 {
			fmt.Fprintln(os.Stderr, "usage: outreachctl sent <message-id> <contact-id>")
			os.Exit(1)
		}
		c.cmdSent(args[1], args[2])
	case "skip":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "usage: outreachctl skip <contact-id>")
			os.Exit(1)
		}
		c.cmdSkip(args[1], true)
	case "unskip":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "usage: outreachctl unskip <contact-id>")
			os.Exit(1)
		}
		c.cmdSkip(args[1], false)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", args[0])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, "usage: outreachctl [--addr <host:port>] [--json] <command>")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "commands:")
	fmt.Fprintln(os.Stderr, "  status                     Show queue state")
	fmt.Fprintln(os.Stderr, "  queue                      Show the reconciled outreach queue")
	fmt.Fprintln(os.Stderr, "  refresh                    Re-fetch everything from the backend")
	fmt.Fprintln(os.Stderr, "  more                       Load the next page of shared contacts")
	fmt.Fprintln(os.Stderr, "  sent <message> <contact>   Mark a message sent; prints the rendered body")
	fmt.Fprintln(os.Stderr, "  skip <contact>             Exclude a contact from all outreach")
	fmt.Fprintln(os.Stderr, "  unskip <contact>           Re-activate a skipped contact")
}

type ctl struct {
	base    string
	client  *http.Client
	jsonOut bool
}

func (c *ctl) do(method, path string, out any) error {
	req, err := http.NewRequest(method, c.base+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("cannot reach daemon at %s: %w (is outreachd running?)", c.base, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 400 {
		var e struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(body, &e) == nil && e.Error != "" {
			return fmt.Errorf("%s", e.Error)
		}
		return fmt.Errorf("daemon returned HTTP %d", resp.StatusCode)
	}
	if out != nil {
		return json.Unmarshal(body, out)
	}
	return nil
}

func (c *ctl) fatal(err error) {
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	os.Exit(1)
}

func outputJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

type queueResponse struct {
	State    string          `json:"state"`
	Snapshot *queue.Snapshot `json:"snapshot"`
	Stale    bool            `json:"stale"`
	Error    string          `json:"error"`
}

func (c *ctl) cmdStatus() {
	var resp struct {
		State string `json:"state"`
	}
	if err := c.do(http.MethodGet, "/v1/status", &resp); err != nil {
		c.fatal(err)
	}
	if c.jsonOut {
		outputJSON(resp)
		return
	}
	fmt.Printf("State: %s\n", resp.State)
}

func (c *ctl) cmdQueue() {
	var resp queueResponse
	if err := c.do(http.MethodGet, "/v1/queue", &resp); err != nil {
		c.fatal(err)
	}
	c.printQueue(resp)
}

func (c *ctl) cmdRefresh() {
	var resp queueResponse
	if err := c.do(http.MethodPost, "/v1/queue/refresh", &resp); err != nil {
		c.fatal(err)
	}
	if resp.Stale && !c.jsonOut {
		fmt.Fprintf(os.Stderr, "warning: refresh failed (%s); showing last good data\n", resp.Error)
	}
	c.printQueue(resp)
}

func (c *ctl) printQueue(resp queueResponse) {
	if c.jsonOut {
		outputJSON(resp)
		return
	}
	if resp.Snapshot == nil {
		fmt.Printf("State: %s (no data loaded yet)\n", resp.State)
		return
	}
	for _, m := range resp.Snapshot.Messages {
		fmt.Printf("%s  [%s]  sent=%d\n", m.Name, m.MessageID, m.SentCount)
		for _, ct := range m.Contacts {
			flag := " "
			if ct.RetryPending {
				flag = "!"
			}
			name := strings.TrimSpace(ct.FirstName + " " + ct.LastName)
			fmt.Printf("  %s %-24s %-16s %s\n", flag, name, ct.Phone, ct.ID)
		}
	}
	fmt.Printf("\nBrowse: %d contacts", len(resp.Snapshot.Browse))
	if resp.Snapshot.BrowseHasMore {
		fmt.Printf(" (more available; run 'outreachctl more')")
	}
	fmt.Println()
}

func (c *ctl) cmdMore() {
	var resp struct {
		Browse  []queue.ContactView `json:"browse"`
		HasMore bool                `json:"browse_has_more"`
	}
	if err := c.do(http.MethodPost, "/v1/queue/contacts/load-more", &resp); err != nil {
		c.fatal(err)
	}
	if c.jsonOut {
		outputJSON(resp)
		return
	}
	for _, ct := range resp.Browse {
		name := strings.TrimSpace(ct.FirstName + " " + ct.LastName)
		id := ""
		if ct.IDStatus != nil {
			id = fmt.Sprintf("identified %d/%d", ct.IDStatus.AnsweredQuestions, ct.IDStatus.TotalQuestions)
		}
		fmt.Printf("  %-24s %-16s %s  %s\n", name, ct.Phone, ct.ID, id)
	}
	if resp.HasMore {
		fmt.Println("(more available)")
	}
}

func (c *ctl) cmdSent(messageID, contactID string) {
	var resp struct {
		Body    string          `json:"body"`
		Record  json.RawMessage `json:"record"`
		Warning string          `json:"warning"`
	}
	path := fmt.Sprintf("/v1/messages/%s/contacts/%s/sent", messageID, contactID)
	if err := c.do(http.MethodPost, path, &resp); err != nil {
		c.fatal(err)
	}
	if c.jsonOut {
		outputJSON(resp)
		return
	}
	if resp.Warning != "" {
		fmt.Fprintf(os.Stderr, "warning: %s\n", resp.Warning)
	}
	fmt.Println("Recorded. Message body:")
	fmt.Println(resp.Body)
}

func (c *ctl) cmdSkip(contactID string, skip bool) {
	method := http.MethodPost
	if !skip {
		method = http.MethodDelete
	}
	if err := c.do(method, "/v1/contacts/"+contactID+"/skip", nil); err != nil {
		c.fatal(err)
	}
	if c.jsonOut {
		outputJSON(map[string]any{"contact_id": contactID, "skipped": skip})
		return
	}
	if skip {
		fmt.Printf("Skipped %s everywhere.\n", contactID)
	} else {
		fmt.Printf("Re-activated %s.\n", contactID)
	}
}
