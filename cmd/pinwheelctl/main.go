// Command pinwheelctl is the operator CLI against a running master,
// merging the original implementation's two separate tools: token-level
// administration (pinball_util) and workflow lifecycle control
// (workflow_util).
package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"github.com/pinwheel-sh/pinwheel/internal/client"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "pinwheelctl:", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	if len(args) < 1 {
		usage()
		return fmt.Errorf("missing command group")
	}
	switch args[0] {
	case "token":
		return runToken(args[1:])
	case "workflow":
		return runWorkflow(args[1:])
	default:
		usage()
		return fmt.Errorf("unknown command group %q", args[0])
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: pinwheelctl token {cat|ls|rm|update} [-s host] [-p port] [-r] [-f] [-n name] [-v version] [-o owner] [-t expiration] [-d data] [-i priority] [prefix]")
	fmt.Fprintln(os.Stderr, "       pinwheelctl workflow <command> [-master-host host] [-master-port port] [-w workflow] [-i instance] [-j jobs] [-e execution] [-a age_days] [-f]")
	fmt.Fprintln(os.Stderr, "       <command> is one of: start stop pause resume retry redo poison drain undrain abort unabort exit unexit reschedule unschedule reload disable enable cleanup rebuild_cache")
}

func dialClient(host string, port int) *client.Remote {
	return client.NewRemote(fmt.Sprintf("%s:%d", host, port))
}

// confirm prompts the operator on stdout/stdin, mirroring
// original_source's tools.base.confirm.
func confirm(message string) bool {
	fmt.Printf("%s? [y/N] ", message)
	reader := bufio.NewReader(os.Stdin)
	line, _ := reader.ReadString('\n')
	line = strings.ToLower(strings.TrimSpace(line))
	return line == "y" || line == "yes"
}
