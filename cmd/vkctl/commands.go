package main

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/pcoutinho/vkd/internal/format"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show daemon state",
		RunE: func(cmd *cobra.Command, args []string) error {
			var got struct {
				State    string `json:"state"`
				UserID   int64  `json:"user_id"`
				Entries  int64  `json:"entries"`
				Messages int64  `json:"messages"`
			}
			if err := newClient().get("/v1/status", &got); err != nil {
				return err
			}
			fmt.Printf("state:    %s\n", got.State)
			fmt.Printf("user:     %d\n", got.UserID)
			fmt.Printf("entries:  %d\n", got.Entries)
			fmt.Printf("messages: %d\n", got.Messages)
			return nil
		},
	}
}

func entriesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "entries",
		Short: "List known entries grouped by classification",
		RunE: func(cmd *cobra.Command, args []string) error {
			var got struct {
				Entries []struct {
					ID          int64  `json:"id"`
					DisplayName string `json:"display_name"`
					Class       string `json:"class"`
					Online      bool   `json:"online"`
					Mobile      bool   `json:"mobile"`
				} `json:"entries"`
			}
			if err := newClient().get("/v1/entries", &got); err != nil {
				return err
			}
			for _, e := range got.Entries {
				presence := ""
				if e.Online {
					presence = " [online]"
					if e.Mobile {
						presence = " [online, mobile]"
					}
				}
				fmt.Printf("%-10d %-9s %s%s\n", e.ID, e.Class, e.DisplayName, presence)
			}
			return nil
		},
	}
}

func chatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "chats",
		Short: "List known multi-user chats",
		RunE: func(cmd *cobra.Command, args []string) error {
			var got struct {
				Chats []struct {
					ID           int64   `json:"id"`
					Title        string  `json:"title"`
					Participants []int64 `json:"participants"`
				} `json:"chats"`
			}
			if err := newClient().get("/v1/chats", &got); err != nil {
				return err
			}
			for _, c := range got.Chats {
				fmt.Printf("%-10d %s (%d participants)\n", c.ID, c.Title, len(c.Participants))
			}
			return nil
		},
	}
}

func historyCmd() *cobra.Command {
	var beforeTS int64
	var limit int
	cmd := &cobra.Command{
		Use:   "history <entry-id>",
		Short: "Show stored messages for an entry, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			var got struct {
				Messages []format.Message `json:"messages"`
			}
			path := fmt.Sprintf("/v1/entries/%d/messages?limit=%d", id, limit)
			if beforeTS > 0 {
				path += fmt.Sprintf("&before_ts=%d", beforeTS)
			}
			if err := newClient().get(path, &got); err != nil {
				return err
			}
			for _, m := range got.Messages {
				printMessage(m)
			}
			return nil
		},
	}
	cmd.Flags().Int64Var(&beforeTS, "before", 0, "only messages older than this unix-millisecond timestamp")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum number of messages")
	return cmd
}

func printMessage(m format.Message) {
	dir := "<-"
	if m.Outgoing {
		dir = "->"
	}
	fmt.Printf("%s %s [%d]", m.Timestamp.Local().Format(time.DateTime), dir, m.ID)
	if m.Likes > 0 || m.Reposts > 0 {
		fmt.Printf(" (likes: %d, reposts: %d)", m.Likes, m.Reposts)
	}
	fmt.Println()
	printNodes(m.Nodes, "  ")
}

func printNodes(nodes []format.Node, indent string) {
	for _, n := range nodes {
		switch n.Kind {
		case format.NodeText:
			fmt.Printf("%s%s\n", indent, n.Text)
		case format.NodeImage:
			if n.Embedded {
				fmt.Printf("%s[image %dx%d] %s\n", indent, n.Width, n.Height, n.URL)
			} else {
				fmt.Printf("%s[image] %s\n", indent, n.URL)
			}
		case format.NodeForward:
			label := fmt.Sprintf("%sforwarded from %d:", indent, n.From)
			if n.Truncated {
				label += " (truncated)"
			}
			fmt.Println(label)
			printNodes(n.Children, indent+"  ")
		}
	}
}

func sendCmd() *cobra.Command {
	var attachment string
	cmd := &cobra.Command{
		Use:   "send <entry-id> <text>...",
		Short: "Queue a message for sending",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			body := strings.Join(args[1:], " ")
			var got struct {
				ClientMsgID string `json:"client_msg_id"`
			}
			req := map[string]string{"body": body, "attachment": attachment}
			if err := newClient().post(fmt.Sprintf("/v1/entries/%d/messages", id), req, &got); err != nil {
				return err
			}
			fmt.Printf("queued %s\n", got.ClientMsgID)
			return nil
		},
	}
	cmd.Flags().StringVar(&attachment, "attachment", "", "already-saved attachment id, e.g. doc123_456")
	return cmd
}

func uploadCmd() *cobra.Command {
	var comment string
	var wait bool
	cmd := &cobra.Command{
		Use:   "upload <entry-id> <file>",
		Short: "Upload a document and report its attachment id",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			path, err := filepath.Abs(args[1])
			if err != nil {
				return err
			}
			cl := newClient()
			var started struct {
				JobID string `json:"job_id"`
			}
			req := map[string]string{"path": path, "comment": comment}
			if err := cl.post(fmt.Sprintf("/v1/entries/%d/uploads", id), req, &started); err != nil {
				return err
			}
			fmt.Printf("job %s\n", started.JobID)
			if !wait {
				return nil
			}
			for {
				time.Sleep(500 * time.Millisecond)
				var job struct {
					State      string `json:"state"`
					Attachment string `json:"attachment"`
					Phase      string `json:"phase"`
					Error      string `json:"error"`
				}
				if err := cl.get("/v1/uploads/"+started.JobID, &job); err != nil {
					return err
				}
				switch job.State {
				case "ATTACHED":
					fmt.Printf("attached %s\n", job.Attachment)
					return nil
				case "FAILED":
					return fmt.Errorf("upload failed in %s: %s", job.Phase, job.Error)
				}
			}
		},
	}
	cmd.Flags().StringVar(&comment, "comment", "", "document comment")
	cmd.Flags().BoolVar(&wait, "wait", true, "wait for the upload to finish")
	return cmd
}

func syncCmd() *cobra.Command {
	var direction string
	cmd := &cobra.Command{
		Use:   "sync <entry-id>",
		Short: "Fetch more history for an entry",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			var got struct {
				Synced int `json:"synced"`
			}
			path := fmt.Sprintf("/v1/entries/%d/sync?direction=%s", id, direction)
			if err := newClient().post(path, nil, &got); err != nil {
				return err
			}
			fmt.Printf("synced %d messages\n", got.Synced)
			return nil
		},
	}
	cmd.Flags().StringVar(&direction, "direction", "older", "older or newer")
	return cmd
}

func authCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "auth <login>",
		Short: "Authenticate the daemon's session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Print("password: ")
			pw, err := term.ReadPassword(int(syscall.Stdin))
			fmt.Println()
			if err != nil {
				return err
			}
			var got struct {
				UserID int64 `json:"user_id"`
			}
			req := map[string]string{"login": args[0], "password": string(pw)}
			if err := newClient().post("/v1/session/auth", req, &got); err != nil {
				return err
			}
			fmt.Printf("authenticated as %d\n", got.UserID)
			return nil
		},
	}
}

func resumeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resume",
		Short: "Resume polling after the service was declared unreachable",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := newClient().post("/v1/session/resume", nil, nil); err != nil {
				return err
			}
			fmt.Println("resumed")
			return nil
		},
	}
}

func parseID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid entry id %q", s)
	}
	return id, nil
}
