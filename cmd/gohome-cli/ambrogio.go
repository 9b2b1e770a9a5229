package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joshp123/gohome-ambrogio/internal/config"
	"github.com/joshp123/gohome-ambrogio/internal/rpcdesc"
	"github.com/joshp123/gohome-ambrogio/internal/secrets"
	"github.com/joshp123/gohome-ambrogio/plugins/ambrogio"
	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

type ambrogioClient struct {
	ctx  context.Context
	conn *grpc.ClientConn
}

func (c ambrogioClient) call(method string, fields map[string]any) *structpb.Struct {
	var req *structpb.Struct
	if fields != nil {
		var err error
		req, err = structpb.NewStruct(fields)
		if err != nil {
			fatal("ambrogio "+method, err)
		}
	}
	resp, err := rpcdesc.Invoke(c.ctx, c.conn, ambrogio.ServiceDescriptor, method, req)
	if err != nil {
		fatal("ambrogio "+method, err)
	}
	return resp
}

// resolveMower accepts either a configured mower name or its IMEI.
func (c ambrogioClient) resolveMower(input string) string {
	resp := c.call("ListDevices", nil)
	names := make(map[string]string)
	for _, value := range resp.GetFields()["devices"].GetListValue().GetValues() {
		device := value.GetStructValue()
		imei := field(device, "imei")
		if imei == input {
			return imei
		}
		names[field(device, "name")] = imei
	}
	imei, err := resolveNamedID("mower", input, names)
	if err != nil {
		fatal("ambrogio", err)
	}
	return imei
}

func ambrogioCmd(ctx context.Context, conn *grpc.ClientConn, args []string, jsonOutput bool) {
	out := outputMode{json: jsonOutput}
	if len(args) == 0 {
		ambrogioUsage()
		os.Exit(2)
	}
	client := ambrogioClient{ctx: ctx, conn: conn}

	flags := flag.NewFlagSet("ambrogio "+args[0], flag.ExitOnError)
	area := flags.Int("area", 0, "area 1..9 (0 keeps the mower's own choice)")
	radius := flags.Int("radius", 0, "keep-out radius in metres")
	index := flags.Int("index", -1, "keep-out zone index")
	data := flags.String("data", "", "JSON params for custom commands")
	_ = flags.Parse(args[1:])
	rest := flags.Args()

	need := func(n int, usage string) {
		if len(rest) < n {
			fatal("ambrogio "+args[0], fmt.Errorf("usage: gohome-cli ambrogio %s", usage))
		}
	}
	withArea := func(fields map[string]any) map[string]any {
		if *area > 0 {
			fields["area"] = *area
		}
		return fields
	}

	switch args[0] {
	case "devices", "list":
		printDevices(out, client.call("ListDevices", nil))
	case "status":
		need(1, "status <mower>")
		resp := client.call("GetDevice", map[string]any{"imei": client.resolveMower(rest[0])})
		printDevice(out, resp.GetFields()["device"].GetStructValue())
	case "refresh":
		fields := map[string]any{}
		if len(rest) > 0 {
			fields["imei"] = client.resolveMower(rest[0])
		}
		printDevices(out, client.call("Refresh", fields))
	case "wake":
		need(1, "wake <mower>")
		printCommand(out, client.call("WakeUp", map[string]any{"imei": client.resolveMower(rest[0])}))
	case "start":
		need(1, "start [--area N] <mower>")
		printCommand(out, client.call("WorkNow", withArea(map[string]any{"imei": client.resolveMower(rest[0])})))
	case "dock":
		need(1, "dock <mower>")
		printCommand(out, client.call("ChargeNow", map[string]any{"imei": client.resolveMower(rest[0])}))
	case "border-cut":
		need(1, "border-cut <mower>")
		printCommand(out, client.call("BorderCut", map[string]any{"imei": client.resolveMower(rest[0])}))
	case "locate":
		need(1, "locate <mower>")
		printCommand(out, client.call("TracePosition", map[string]any{"imei": client.resolveMower(rest[0])}))
	case "profile":
		need(2, "profile <mower> <1-3>")
		printCommand(out, client.call("SetProfile", map[string]any{
			"imei":    client.resolveMower(rest[0]),
			"profile": mustInt("profile", rest[1]),
		}))
	case "work-for":
		need(2, "work-for [--area N] <mower> <minutes>")
		printCommand(out, client.call("WorkFor", withArea(map[string]any{
			"imei":    client.resolveMower(rest[0]),
			"minutes": mustInt("minutes", rest[1]),
		})))
	case "work-until":
		need(2, "work-until [--area N] <mower> <HH:MM>")
		hours, minutes := mustClock(rest[1])
		printCommand(out, client.call("WorkUntil", withArea(map[string]any{
			"imei":    client.resolveMower(rest[0]),
			"hours":   hours,
			"minutes": minutes,
		})))
	case "charge-for":
		need(2, "charge-for <mower> <minutes>")
		printCommand(out, client.call("ChargeFor", map[string]any{
			"imei":    client.resolveMower(rest[0]),
			"minutes": mustInt("minutes", rest[1]),
		}))
	case "charge-until":
		need(3, "charge-until <mower> <HH:MM> <weekday 1-7, 1 = Monday>")
		hours, minutes := mustClock(rest[1])
		printCommand(out, client.call("ChargeUntil", map[string]any{
			"imei":    client.resolveMower(rest[0]),
			"hours":   hours,
			"minutes": minutes,
			"weekday": mustInt("weekday", rest[2]),
		}))
	case "keep-out":
		need(3, "keep-out [--radius M] [--index N] <mower> <latitude> <longitude> [HH:MM]")
		fields := map[string]any{
			"imei":      client.resolveMower(rest[0]),
			"latitude":  mustFloat("latitude", rest[1]),
			"longitude": mustFloat("longitude", rest[2]),
		}
		if *radius > 0 {
			fields["radius"] = *radius
		}
		if *index >= 0 {
			fields["index"] = *index
		}
		if len(rest) > 3 {
			fields["hours"], fields["minutes"] = mustClock(rest[3])
		}
		printCommand(out, client.call("KeepOut", fields))
	case "custom":
		need(2, "custom [--data '{...}'] <mower> <method>")
		fields := map[string]any{
			"imei":   client.resolveMower(rest[0]),
			"method": rest[1],
		}
		if *data != "" {
			var params map[string]any
			if err := json.Unmarshal([]byte(*data), &params); err != nil {
				fatal("ambrogio custom", fmt.Errorf("--data must be a JSON object: %w", err))
			}
			fields["params"] = params
		}
		printCommand(out, client.call("CustomCommand", fields))
	case "commands":
		fields := map[string]any{}
		if len(rest) > 0 {
			fields["imei"] = client.resolveMower(rest[0])
		}
		printCommands(out, client.call("ListCommands", fields))
	default:
		ambrogioUsage()
		os.Exit(2)
	}
}

func printDevices(out outputMode, resp *structpb.Struct) {
	devices := resp.GetFields()["devices"].GetListValue()
	if out.json {
		out.printJSON(devices.AsSlice())
		return
	}
	rows := [][]string{{"MOWER", "IMEI", "STATE", "ACTIVITY", "CONNECTED", "LAST SEEN"}}
	for _, value := range devices.GetValues() {
		device := value.GetStructValue()
		rows = append(rows, []string{
			field(device, "name"),
			field(device, "imei"),
			field(device, "state_name"),
			field(device, "activity"),
			strconv.FormatBool(device.GetFields()["connected"].GetBoolValue()),
			field(device, "last_seen"),
		})
	}
	out.table(rows)
}

func printDevice(out outputMode, device *structpb.Struct) {
	if out.json {
		out.printJSON(device.AsMap())
		return
	}
	rows := make([][]string, 0, len(device.GetFields()))
	for _, key := range sortedKeys(device.AsMap()) {
		rows = append(rows, []string{key, fmt.Sprint(device.AsMap()[key])})
	}
	out.table(rows)
}

func printCommand(out outputMode, resp *structpb.Struct) {
	command := resp.GetFields()["command"].GetStructValue().AsMap()
	if out.json {
		out.printJSON(command)
		return
	}
	if msg, ok := command["error"]; ok {
		fmt.Printf("failed: %s on %s: %v\n", command["method"], command["imei"], msg)
		return
	}
	fmt.Printf("ok: %s sent to %s (%s)\n", command["method"], command["imei"], command["id"])
}

func printCommands(out outputMode, resp *structpb.Struct) {
	commands := resp.GetFields()["commands"].GetListValue()
	if out.json {
		out.printJSON(commands.AsSlice())
		return
	}
	rows := [][]string{{"SENT AT", "IMEI", "METHOD", "SENT", "ERROR"}}
	for _, value := range commands.GetValues() {
		command := value.GetStructValue()
		rows = append(rows, []string{
			field(command, "sent_at"),
			field(command, "imei"),
			field(command, "method"),
			strconv.FormatBool(command.GetFields()["sent"].GetBoolValue()),
			field(command, "error"),
		})
	}
	out.table(rows)
}

func ambrogioLoginCmd(args []string, jsonOutput bool) {
	out := outputMode{json: jsonOutput}
	flags := flag.NewFlagSet("ambrogio login", flag.ExitOnError)
	email := flags.String("email", "", "account e-mail")
	passwordFile := flags.String("password-file", "", "file holding the account password (prompted when empty)")
	apiKey := flags.String("api-key", os.Getenv("AMBROGIO_API_KEY"), "identity service API key")
	secretDir := flags.String("secret-dir", "", "write the access token (thing key) into this directory")
	agenixRepo := flags.String("agenix-repo", "", "encrypt the access token into this nix-secrets repo")
	secretName := flags.String("secret-name", "gohome-ambrogio-access-token", "name of the stored secret")
	_ = flags.Parse(args)

	if *email == "" || *apiKey == "" {
		fatal("ambrogio login", fmt.Errorf("--email and --api-key (or AMBROGIO_API_KEY) are required"))
	}

	var password string
	if *passwordFile != "" {
		secret, err := config.ReadSecretFile(*passwordFile)
		if err != nil {
			fatal("ambrogio login", err)
		}
		password = secret
	} else {
		fmt.Fprint(os.Stderr, "password: ")
		line, err := bufio.NewReader(os.Stdin).ReadString('\n')
		if err != nil && line == "" {
			fatal("ambrogio login", err)
		}
		password = strings.TrimSpace(line)
	}

	ctx, cancel := context.WithTimeout(context.Background(), callTimeout)
	defer cancel()
	identity, err := ambrogio.NewIdentityClient(*apiKey, nil).VerifyPassword(ctx, *email, password)
	if err != nil {
		fatal("ambrogio login", err)
	}

	var writer secrets.Writer
	switch {
	case *agenixRepo != "":
		writer = secrets.AgenixWriter{RepoPath: *agenixRepo}
	case *secretDir != "":
		writer = secrets.FileWriter{Dir: *secretDir}
	}
	var writtenTo string
	if writer != nil {
		writtenTo, err = writer.Write(ctx, *secretName, []byte(identity.AccessToken))
		if err != nil {
			fatal("ambrogio login", err)
		}
	}

	if out.json {
		out.printJSON(map[string]any{
			"access_token": identity.AccessToken,
			"expires_at":   identity.Expiry,
			"written_to":   writtenTo,
		})
		return
	}
	if writtenTo != "" {
		fmt.Printf("ok: access token written to %s (point access_token_file at it)\n", writtenTo)
		return
	}
	fmt.Println(identity.AccessToken)
}

func mustInt(name, value string) int {
	n, err := strconv.Atoi(value)
	if err != nil {
		fatal("ambrogio", fmt.Errorf("invalid %s %q", name, value))
	}
	return n
}

func mustFloat(name, value string) float64 {
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		fatal("ambrogio", fmt.Errorf("invalid %s %q", name, value))
	}
	return f
}

func mustClock(value string) (int, int) {
	hh, mm, ok := strings.Cut(value, ":")
	if !ok {
		fatal("ambrogio", fmt.Errorf("invalid time %q, want HH:MM", value))
	}
	return mustInt("hours", hh), mustInt("minutes", mm)
}

func ambrogioUsage() {
	fmt.Println("gohome-cli ambrogio <command>")
	fmt.Println("")
	fmt.Println("Commands (flags go before the mower):")
	fmt.Println("  devices")
	fmt.Println("  status <mower>")
	fmt.Println("  refresh [mower]")
	fmt.Println("  wake <mower>")
	fmt.Println("  start [--area N] <mower>")
	fmt.Println("  dock <mower>")
	fmt.Println("  border-cut <mower>")
	fmt.Println("  locate <mower>")
	fmt.Println("  profile <mower> <1-3>")
	fmt.Println("  work-for [--area N] <mower> <minutes>")
	fmt.Println("  work-until [--area N] <mower> <HH:MM>")
	fmt.Println("  charge-for <mower> <minutes>")
	fmt.Println("  charge-until <mower> <HH:MM> <weekday 1-7>")
	fmt.Println("  keep-out [--radius M] [--index N] <mower> <lat> <lon> [HH:MM]")
	fmt.Println("  custom [--data '{...}'] <mower> <method>")
	fmt.Println("  commands [mower]")
	fmt.Println("  login --email <addr> [--password-file path] [--api-key key] [--secret-dir dir | --agenix-repo path]")
}
