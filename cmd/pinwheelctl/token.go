package main

import (
	"context"
	"flag"
	"fmt"
	"sort"

	"github.com/pinwheel-sh/pinwheel/internal/client"
	"github.com/pinwheel-sh/pinwheel/internal/token"
	"github.com/pinwheel-sh/pinwheel/internal/wire"
)

// runToken implements pinball_util's four commands against a live master,
// grounded directly on original_source's pinball/tools/pinball_util.py.
func runToken(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("token: requires a command (cat, ls, rm, update)")
	}
	cmd, rest := args[0], args[1:]

	fs := flag.NewFlagSet("token "+cmd, flag.ExitOnError)
	host := fs.String("s", "localhost", "hostname of the pinwheel master")
	port := fs.Int("p", 9999, "port of the pinwheel master")
	recursive := fs.Bool("r", false, "perform the operation recursively")
	force := fs.Bool("f", false, "do not ask for confirmation")
	name := fs.String("n", "", "token name")
	version := fs.Int64("v", 0, "token version")
	owner := fs.String("o", "", "token owner; must be set together with -t")
	expiration := fs.Int64("t", 0, "ownership expiration, seconds since epoch; must be set together with -o")
	data := fs.String("d", "", "token data")
	priority := fs.Float64("i", 0, "token priority")
	if err := fs.Parse(rest); err != nil {
		return err
	}

	c := dialClient(*host, *port)
	defer c.Close()
	ctx := context.Background()

	switch cmd {
	case "cat":
		return runCat(ctx, c, fs, *recursive)
	case "ls":
		return runLs(ctx, c, fs, *recursive)
	case "rm":
		return runRm(ctx, c, fs, *recursive, *force)
	case "update":
		return runUpdate(ctx, c, fs, *name, *version, *owner, *expiration, *data, *priority)
	default:
		return fmt.Errorf("token: unknown command %q", cmd)
	}
}

func singleArg(fs *flag.FlagSet, cmd string) (string, error) {
	if fs.NArg() != 1 {
		return "", fmt.Errorf("%s command takes a token name prefix argument", cmd)
	}
	return fs.Arg(0), nil
}

func runCat(ctx context.Context, c client.Client, fs *flag.FlagSet, recursive bool) error {
	prefix, err := singleArg(fs, "cat")
	if err != nil {
		return err
	}
	toks, err := getTokens(ctx, c, prefix, recursive)
	if err != nil {
		return err
	}
	if len(toks) == 0 {
		fmt.Println("total 0")
		return nil
	}
	fmt.Printf("total %d\n", len(toks))
	for _, t := range toks {
		fmt.Println(tokenToString(t))
	}
	return nil
}

func runLs(ctx context.Context, c client.Client, fs *flag.FlagSet, recursive bool) error {
	prefix, err := singleArg(fs, "ls")
	if err != nil {
		return err
	}
	suffix := "/"
	if recursive {
		suffix = ""
	}
	resp, err := c.Group(ctx, wire.GroupRequest{NamePrefix: prefix, GroupSuffix: suffix})
	if err != nil {
		return err
	}
	if len(resp.Counts) == 0 {
		fmt.Println("total 0")
		return nil
	}
	fmt.Printf("total %d\n", len(resp.Counts))
	groups := make([]string, 0, len(resp.Counts))
	for g := range resp.Counts {
		groups = append(groups, g)
	}
	sort.Strings(groups)
	for _, g := range groups {
		fmt.Printf("%s [%d token(s)]\n", g, resp.Counts[g])
	}
	return nil
}

func runRm(ctx context.Context, c client.Client, fs *flag.FlagSet, recursive, force bool) error {
	prefix, err := singleArg(fs, "rm")
	if err != nil {
		return err
	}
	toks, err := getTokens(ctx, c, prefix, recursive)
	if err != nil {
		return err
	}
	if len(toks) == 0 {
		fmt.Println("no tokens found")
		return nil
	}
	fmt.Println("removing:")
	for _, t := range toks {
		fmt.Printf("\t%s\n", t.Name)
	}
	deleted := 0
	if force || confirm(fmt.Sprintf("remove %d tokens", len(toks))) {
		if _, err := c.Modify(ctx, wire.ModifyRequest{Deletes: toks}); err != nil {
			return err
		}
		deleted = len(toks)
	}
	fmt.Printf("removed %d token(s)\n", deleted)
	return nil
}

func runUpdate(ctx context.Context, c client.Client, fs *flag.FlagSet, name string, version int64, owner string, expiration int64, data string, priority float64) error {
	if name == "" {
		return fmt.Errorf("update command requires token name (-n)")
	}
	if fs.NArg() != 0 {
		return fmt.Errorf("update command does not take positional arguments")
	}
	if (owner != "" && expiration == 0) || (owner == "" && expiration != 0) {
		return fmt.Errorf("if either of -o and -t is set, then the other must be set as well")
	}
	t := token.Token{
		Name:           name,
		Version:        version,
		Owner:          owner,
		ExpirationTime: expiration,
		Priority:       priority,
		Data:           []byte(data),
	}
	resp, err := c.Modify(ctx, wire.ModifyRequest{Updates: []token.Token{t}})
	if err != nil {
		return err
	}
	action := "inserted"
	if version != 0 {
		action = "updated"
	}
	fmt.Printf("%s %s\n", action, tokenToString(resp.Updates[0]))
	fmt.Println("updated 1 token")
	return nil
}

// getTokens matches original_source's _get_tokens: non-recursive returns
// at most the single token whose name equals prefix exactly.
func getTokens(ctx context.Context, c client.Client, prefix string, recursive bool) ([]token.Token, error) {
	resp, err := c.Query(ctx, wire.QueryRequest{Queries: []wire.SubQuery{{NamePrefix: prefix}}})
	if err != nil {
		return nil, err
	}
	var result []token.Token
	for _, t := range resp.Tokens[0] {
		if recursive || t.Name == prefix {
			result = append(result, t)
			if !recursive {
				break
			}
		}
	}
	return result, nil
}

func tokenToString(t token.Token) string {
	return fmt.Sprintf("name=%s version=%d owner=%q expiration=%d priority=%g data=%s",
		t.Name, t.Version, t.Owner, t.ExpirationTime, t.Priority, truncate(string(t.Data), 200))
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
