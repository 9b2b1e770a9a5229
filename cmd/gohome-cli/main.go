package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fullstorydev/grpcurl"
	"github.com/jhump/protoreflect/grpcreflect"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/joshp123/gohome-ambrogio/internal/config"
	"github.com/joshp123/gohome-ambrogio/internal/core"
	"github.com/joshp123/gohome-ambrogio/internal/rpcdesc"
	"google.golang.org/grpc"
)

// Commands that wait for a mower to wake up can take several minutes.
const callTimeout = 5 * time.Minute

func main() {
	args, jsonOutput := extractJSONFlag(os.Args[1:])
	if len(args) < 1 {
		usage()
		os.Exit(2)
	}

	// login talks to the account service directly, not to the daemon.
	if args[0] == "ambrogio" && len(args) > 1 && args[1] == "login" {
		ambrogioLoginCmd(args[2:], jsonOutput)
		return
	}

	addr := resolveAddr()
	ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
	defer cancel()

	dialCtx, dialCancel := context.WithTimeout(ctx, 10*time.Second)
	conn, err := grpcurl.BlockingDial(dialCtx, "tcp", addr, insecure.NewCredentials())
	dialCancel()
	if err != nil {
		fatal("dial", err)
	}
	defer conn.Close()

	switch args[0] {
	case "plugins":
		pluginsCmd(ctx, conn, args[1:])
	case "services":
		servicesCmd(ctx, conn)
	case "methods":
		methodsCmd(ctx, conn, args[1:])
	case "call":
		callCmd(ctx, conn, args[1:])
	case "ambrogio":
		ambrogioCmd(ctx, conn, args[1:], jsonOutput)
	default:
		usage()
		os.Exit(2)
	}
}

func extractJSONFlag(args []string) ([]string, bool) {
	out := make([]string, 0, len(args))
	jsonOutput := false
	for _, arg := range args {
		if arg == "--json" {
			jsonOutput = true
			continue
		}
		out = append(out, arg)
	}
	return out, jsonOutput
}

func pluginsCmd(ctx context.Context, conn *grpc.ClientConn, args []string) {
	if len(args) < 1 {
		usage()
		os.Exit(2)
	}

	switch args[0] {
	case "list":
		resp, err := rpcdesc.Invoke(ctx, conn, core.RegistryDescriptor, "ListPlugins", nil)
		if err != nil {
			fatal("list plugins", err)
		}
		for _, value := range resp.GetFields()["plugins"].GetListValue().GetValues() {
			plugin := value.GetStructValue()
			fmt.Printf("%s\t%s\t%s\t%s\n",
				field(plugin, "plugin_id"), field(plugin, "display_name"),
				field(plugin, "version"), field(plugin, "status"))
		}
	case "describe":
		if len(args) < 2 {
			fatal("describe", fmt.Errorf("missing plugin id"))
		}
		req, _ := structpb.NewStruct(map[string]any{"plugin_id": args[1]})
		resp, err := rpcdesc.Invoke(ctx, conn, core.RegistryDescriptor, "DescribePlugin", req)
		if err != nil {
			fatal("describe plugin", err)
		}
		plugin := resp.GetFields()["plugin"].GetStructValue()
		if plugin == nil {
			fmt.Println("not found")
			return
		}
		fmt.Printf("id: %s\n", field(plugin, "plugin_id"))
		fmt.Printf("name: %s\n", field(plugin, "display_name"))
		fmt.Printf("version: %s\n", field(plugin, "version"))
		fmt.Printf("status: %s\n", field(plugin, "status"))
		if msg := field(plugin, "health_message"); msg != "" {
			fmt.Printf("health: %s\n", msg)
		}
		fmt.Println("services:")
		for _, svc := range plugin.GetFields()["services"].GetListValue().GetValues() {
			fmt.Printf("  - %s\n", svc.GetStringValue())
		}
		fmt.Println("dashboards:")
		for _, dash := range plugin.GetFields()["dashboards"].GetListValue().GetValues() {
			fmt.Printf("  - %s (%s)\n", field(dash.GetStructValue(), "name"), field(dash.GetStructValue(), "path"))
		}
		fmt.Println("agents_md:")
		fmt.Println(field(plugin, "agents_md"))
	default:
		usage()
		os.Exit(2)
	}
}

func field(s *structpb.Struct, key string) string {
	return s.GetFields()[key].GetStringValue()
}

func servicesCmd(ctx context.Context, conn *grpc.ClientConn) {
	descSource := reflectionSource(ctx, conn)
	services, err := grpcurl.ListServices(descSource)
	if err != nil {
		fatal("list services", err)
	}

	for _, service := range services {
		fmt.Println(service)
	}
}

func methodsCmd(ctx context.Context, conn *grpc.ClientConn, args []string) {
	if len(args) < 1 {
		fatal("methods", fmt.Errorf("missing service name"))
	}

	descSource := reflectionSource(ctx, conn)
	methods, err := grpcurl.ListMethods(descSource, args[0])
	if err != nil {
		fatal("list methods", err)
	}

	for _, method := range methods {
		fmt.Println(method)
	}
}

func callCmd(ctx context.Context, conn *grpc.ClientConn, args []string) {
	flags := flag.NewFlagSet("call", flag.ExitOnError)
	data := flags.String("data", "", "JSON request body")
	_ = flags.Parse(args)
	remaining := flags.Args()
	if len(remaining) < 1 {
		fatal("call", fmt.Errorf("missing method (service/method)"))
	}

	method := remaining[0]
	descSource := reflectionSource(ctx, conn)

	var reader io.Reader
	if *data != "" {
		reader = strings.NewReader(*data)
	} else if isStdinTerminal() {
		reader = strings.NewReader("{}")
	} else {
		reader = os.Stdin
	}

	parser, formatter, err := grpcurl.RequestParserAndFormatter(grpcurl.FormatJSON, descSource, reader, grpcurl.FormatOptions{})
	if err != nil {
		fatal("parse request", err)
	}

	handler := grpcurl.NewDefaultEventHandler(os.Stdout, descSource, formatter, false)
	if err := grpcurl.InvokeRPC(ctx, descSource, conn, method, nil, handler, parser.Next); err != nil {
		fatal("invoke", err)
	}
}

func reflectionSource(ctx context.Context, conn *grpc.ClientConn) grpcurl.DescriptorSource {
	client := grpcreflect.NewClientAuto(ctx, conn)
	return grpcurl.DescriptorSourceFromServer(ctx, client)
}

func isStdinTerminal() bool {
	info, err := os.Stdin.Stat()
	if err != nil {
		return true
	}
	return (info.Mode() & os.ModeCharDevice) != 0
}

func envOrDefault(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func resolveAddr() string {
	if value := os.Getenv("GOHOME_GRPC_ADDR"); value != "" {
		return value
	}
	for _, path := range configSearchPaths() {
		if addr := addrFromConfig(path); addr != "" {
			return addr
		}
	}
	return "gohome:9000"
}

func configSearchPaths() []string {
	paths := []string{envOrDefault("GOHOME_CONFIG", config.DefaultPath)}
	if home, err := os.UserHomeDir(); err == nil && home != "" {
		paths = append(paths, filepath.Join(home, ".config", "gohome", "config.yaml"))
	}
	return paths
}

func addrFromConfig(path string) string {
	cfg, err := config.Load(path)
	if err != nil || cfg == nil || cfg.Core == nil {
		return ""
	}
	return dialAddr(cfg.Core.GRPCAddr)
}

// dialAddr turns a wildcard listen address into one a client can dial.
func dialAddr(listen string) string {
	if strings.HasPrefix(listen, "0.0.0.0:") {
		return "127.0.0.1:" + strings.TrimPrefix(listen, "0.0.0.0:")
	}
	if strings.HasPrefix(listen, ":") {
		return "127.0.0.1" + listen
	}
	return listen
}

func usage() {
	fmt.Println("gohome-cli <command> [args] [--json]")
	fmt.Println("")
	fmt.Println("Commands:")
	fmt.Println("  plugins list")
	fmt.Println("  plugins describe <plugin_id>")
	fmt.Println("  services")
	fmt.Println("  methods <service>")
	fmt.Println("  call <service/method> --data '{}' (or pipe JSON via stdin)")
	fmt.Println("  ambrogio <command>   (see gohome-cli ambrogio)")
}

func fatal(action string, err error) {
	fmt.Fprintf(os.Stderr, "%s: %v\n", action, err)
	os.Exit(1)
}
