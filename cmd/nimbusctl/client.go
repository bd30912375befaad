package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"text/tabwriter"
	"time"
)

// client talks to the nimbus HTTP API.
type client struct {
	base   string
	http   *http.Client
	styled bool
}

func newClient(base string) *client {
	return &client{
		base: strings.TrimRight(base, "/"),
		http: &http.Client{Timeout: 30 * time.Second},
	}
}

// do sends a request and decodes a JSON reply into v when v is non-nil.
func (c *client) do(method, path string, v any) error {
	req, err := http.NewRequest(method, c.base+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var apiErr struct {
			Error string `json:"error"`
		}
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("%s %s: %s (%d)", method, path, apiErr.Error, resp.StatusCode)
		}
		return fmt.Errorf("%s %s: status %d", method, path, resp.StatusCode)
	}
	if v == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

// taskInfo mirrors the server's task snapshot.
type taskInfo struct {
	ID          string `json:"id"`
	Owner       string `json:"owner"`
	Description string `json:"description"`
	Priority    string `json:"priority"`
	Status      string `json:"status"`
	CreatedAt   int64  `json:"created_at"`
	Error       string `json:"error,omitempty"`
}

func (c *client) printTasks(out io.Writer) error {
	var list struct {
		Workers int        `json:"workers"`
		Tasks   []taskInfo `json:"tasks"`
	}
	if err := c.do(http.MethodGet, "/manage/tasks", &list); err != nil {
		return err
	}
	fmt.Fprintf(out, "%d workers, %d tasks\n", list.Workers, len(list.Tasks))
	if len(list.Tasks) == 0 {
		return nil
	}
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, bold(c.styled, "ID\tOWNER\tPRIORITY\tSTATUS\tAGE\tDESCRIPTION"))
	for _, t := range list.Tasks {
		age := time.Since(time.Unix(t.CreatedAt, 0)).Truncate(time.Second)
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n", t.ID, t.Owner, t.Priority, t.Status, age, t.Description)
	}
	return tw.Flush()
}

func (c *client) abort(id string, out io.Writer) error {
	var t taskInfo
	if err := c.do(http.MethodDelete, "/manage/tasks/"+id, &t); err != nil {
		return err
	}
	fmt.Fprintf(out, "aborted %s (%s)\n", t.ID, t.Description)
	return nil
}
