// helixctl is the operator's command line for the admin API: inspect run
// state and breakers, pause and resume trading, reset breakers, and engage
// the kill switch.
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"
)

const usage = `usage: helixctl [flags] <command>

commands:
  state              show the bot run state
  pause [reason]     pause signal intake
  resume             resume signal intake
  breakers           list circuit breakers
  reset <name>       reset a triggered breaker (requires -token)
  killswitch [reason] halt, cancel all orders, flatten all positions (requires -token)

flags:
`

func main() {
	var (
		addr     = flag.String("addr", "http://127.0.0.1:9090", "admin API base URL")
		token    = flag.String("token", os.Getenv("HELIX_ADMIN_CONFIRM_TOKEN"), "confirm token for destructive commands")
		operator = flag.String("operator", os.Getenv("USER"), "operator name recorded in the audit trail")
	)
	flag.Usage = func() {
		fmt.Fprint(os.Stderr, usage)
		flag.PrintDefaults()
	}
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		flag.Usage()
		os.Exit(2)
	}

	client := &client{
		base:     *addr,
		token:    *token,
		operator: *operator,
		http:     &http.Client{Timeout: 10 * time.Second},
	}

	var err error
	switch args[0] {
	case "state":
		err = client.get("/admin/state")
	case "breakers":
		err = client.get("/admin/breakers")
	case "pause":
		err = client.post("/admin/pause", reasonBody(args[1:]), false)
	case "resume":
		err = client.post("/admin/resume", nil, false)
	case "reset":
		if len(args) < 2 {
			fmt.Fprintln(os.Stderr, "reset requires a breaker name")
			os.Exit(2)
		}
		err = client.post("/admin/breakers/"+args[1]+"/reset", nil, true)
	case "killswitch":
		err = client.post("/admin/killswitch", reasonBody(args[1:]), true)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", args[0])
		flag.Usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func reasonBody(rest []string) []byte {
	reason := ""
	if len(rest) > 0 {
		reason = rest[0]
	}
	body, _ := json.Marshal(map[string]string{"reason": reason})
	return body
}

type client struct {
	base     string
	token    string
	operator string
	http     *http.Client
}

func (c *client) get(path string) error {
	req, err := http.NewRequest(http.MethodGet, c.base+path, nil)
	if err != nil {
		return err
	}
	return c.do(req)
}

func (c *client) post(path string, body []byte, confirm bool) error {
	req, err := http.NewRequest(http.MethodPost, c.base+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if confirm {
		if c.token == "" {
			return fmt.Errorf("this command requires -token or HELIX_ADMIN_CONFIRM_TOKEN")
		}
		req.Header.Set("X-Confirm-Token", c.token)
	}
	return c.do(req)
}

func (c *client) do(req *http.Request) error {
	if c.operator != "" {
		req.Header.Set("X-Operator", c.operator)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	var pretty bytes.Buffer
	if json.Indent(&pretty, raw, "", "  ") == nil {
		fmt.Println(pretty.String())
	} else {
		fmt.Println(string(raw))
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("request failed with status %s", resp.Status)
	}
	return nil
}
