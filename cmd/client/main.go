package main

import (
	"bufio"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/NicolasHaas/byteswap/pkg/client"
	"github.com/NicolasHaas/byteswap/pkg/logging"
	pb "github.com/NicolasHaas/byteswap/pkg/protocol/pb"
)

const help = `commands:
  find <teach,...> | <learn,...>   search for partners (repeats until a request starts)
  stop                             stop searching and clear preferences
  matches                          list the last match results
  select <n>                       send a partner request to match n
  accept | reject                  answer the pending partner request
  join | start                     enter the session room, start the session
  say <text>                       send a chat message
  end                              terminate the session
  quit`

func main() {
	// Default to "warn" so logs stay out of the prompt; override with BYTESWAP_LOG_LEVEL.
	level := "warn"
	if v := os.Getenv("BYTESWAP_LOG_LEVEL"); v != "" {
		level = v
	}
	format := "text"
	if v := os.Getenv("BYTESWAP_LOG_FORMAT"); v != "" {
		format = v
	}
	_ = logging.Setup(logging.Options{
		Level:  level,
		Format: format,
		Output: os.Stderr,
	})

	settingsFile := flag.String("settings", client.SettingsPath(), "Profile YAML file")
	addr := flag.String("server", "", "Server control address (overrides profile)")
	userID := flag.String("user", "", "User id (overrides profile)")
	token := flag.String("token", "", "Access token (overrides profile)")
	save := flag.Bool("save", false, "Save server, user and token to the profile")
	flag.Parse()

	settings := client.LoadSettings(*settingsFile)
	if *addr != "" {
		settings.ServerAddr = *addr
	}
	if *userID != "" {
		settings.UserID = *userID
	}
	if *token != "" {
		settings.Token = *token
	}
	if settings.UserID == "" {
		fmt.Fprintln(os.Stderr, "a user id is required (-user or profile)")
		os.Exit(1)
	}
	if *save {
		if err := settings.Save(*settingsFile); err != nil {
			fmt.Fprintf(os.Stderr, "save profile: %v\n", err)
		}
	}

	eng := client.NewEngine()
	wire(eng)

	if err := eng.Connect(settings.ServerAddr, settings.UserID, settings.Token); err != nil {
		fmt.Fprintf(os.Stderr, "connect: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("connected to %s as %s (%s)\n%s\n", settings.ServerAddr, eng.GetName(), eng.GetUserID(), help)

	if len(settings.TeachSkills)+len(settings.LearnSkills) > 0 {
		report(eng.FindMatches(settings.TeachSkills, settings.LearnSkills))
	}

	sc := bufio.NewScanner(os.Stdin)
	for sc.Scan() {
		cmd, arg, _ := strings.Cut(strings.TrimSpace(sc.Text()), " ")
		arg = strings.TrimSpace(arg)
		switch cmd {
		case "":
		case "find":
			teachArg, learnArg, _ := strings.Cut(arg, "|")
			report(eng.FindMatches(splitList(teachArg), splitList(learnArg)))
		case "stop":
			report(eng.StopSearching())
		case "matches":
			printMatches(eng.Matches())
		case "select":
			n, err := strconv.Atoi(arg)
			if err != nil {
				fmt.Println("usage: select <n>")
				continue
			}
			report(eng.Select(n - 1))
		case "accept":
			report(eng.Accept())
		case "reject":
			report(eng.Reject())
		case "join":
			report(eng.Join())
		case "start":
			report(eng.Start())
		case "say":
			report(eng.Say(arg))
		case "end":
			report(eng.End())
		case "quit", "exit":
			eng.Disconnect()
			return
		default:
			fmt.Println(help)
		}
		if eng.GetState() == client.StateDisconnected {
			return
		}
	}
	eng.Disconnect()
}

// wire prints engine events to the terminal.
func wire(eng *client.Engine) {
	var lastMatches string
	eng.OnMatches = func(perfect, fallback []pb.MatchCandidate) {
		var ids []string
		for _, m := range append(perfect, fallback...) {
			ids = append(ids, m.UserID)
		}
		// Polling repeats results; print only changes.
		if key := strings.Join(ids, ","); key != lastMatches {
			lastMatches = key
			printMatches(eng.Matches())
		}
	}
	eng.OnPartnerRequest = func(req pb.PartnerRequestEvent) {
		fmt.Printf("* %s wants to swap skills with you; accept or reject\n", req.RequesterName)
	}
	eng.OnRequestSent = func(partner, _ string) {
		fmt.Printf("* request sent to %s\n", partner)
	}
	eng.OnRequestAccepted = func(sessionID string) {
		fmt.Printf("* request accepted, session %s; join to enter the room\n", sessionID)
	}
	eng.OnRequestClosed = func(reason string) {
		fmt.Printf("* request %s\n", reason)
	}
	eng.OnRoster = func(_ string, users []string) {
		fmt.Printf("* in room: %s\n", strings.Join(users, ", "))
	}
	eng.OnSessionStarted = func(_, by string, _ time.Time) {
		fmt.Printf("* session started by %s\n", by)
	}
	eng.OnSessionEnded = func(_, reason, by string) {
		if by != "" {
			fmt.Printf("* session ended (%s) by %s\n", reason, by)
			return
		}
		fmt.Printf("* session ended (%s)\n", reason)
	}
	eng.OnChatMessage = func(sender, text string, ts time.Time) {
		fmt.Printf("[%s] %s: %s\n", ts.Local().Format("15:04"), sender, text)
	}
	eng.OnError = func(err error) {
		fmt.Printf("! %v\n", err)
	}
	eng.OnDisconnect = func(reason string) {
		fmt.Printf("* disconnected: %s\n", reason)
	}
}

func printMatches(ms []pb.MatchCandidate) {
	if len(ms) == 0 {
		fmt.Println("no matches yet")
		return
	}
	for i, m := range ms {
		fmt.Printf("%2d. %-20s %-8s teaches %s, learns %s\n", i+1, m.Name, m.MatchType,
			strings.Join(m.TeachSkills, ", "), strings.Join(m.LearnSkills, ", "))
	}
}

func report(err error) {
	if err != nil {
		fmt.Printf("! %v\n", err)
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
