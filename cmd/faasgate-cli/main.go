package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/urfave/cli/v3"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"

	"github.com/dispatchd/faasgate/pkg/funcconfig"
)

var dataFlag = &cli.StringFlag{
	Name:    "data",
	Usage:   "data to be passed to the function",
	Value:   "",
	Aliases: []string{"d"},
}

var timeoutFlag = &cli.DurationFlag{
	Name:    "timeout",
	Usage:   "example: 30s, 1m, 1h",
	Aliases: []string{"t"},
	Value:   30 * time.Second,
}

var asyncFlag = &cli.BoolFlag{
	Name:  "async",
	Usage: "fire-and-forget: acknowledge on accept instead of waiting for the result",
}

func main() {
	cmd := &cli.Command{
		Name:  "faasgate-cli",
		Usage: "talk to a faasgate gateway",
		Commands: []*cli.Command{
			{
				Name:      "call",
				Usage:     "invoke a function over the HTTP front",
				ArgsUsage: "function name",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "address",
						Value: "localhost:8080",
						Usage: "HTTP address of the gateway",
					},
					dataFlag,
					timeoutFlag,
					asyncFlag,
				},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					funcName := cmd.Args().Get(0)
					if funcName == "" {
						return fmt.Errorf("function name is required")
					}
					output, err := callHTTP(ctx, cmd.String("address"), funcName,
						[]byte(cmd.String("data")), cmd.Bool("async"), cmd.Duration("timeout"))
					if err != nil {
						return err
					}
					fmt.Printf("%s\n", output)
					return nil
				},
			},
			{
				Name:      "call-grpc",
				Usage:     "invoke a gRPC-service function",
				ArgsUsage: "service method",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "address",
						Value: "localhost:8081",
						Usage: "gRPC address of the gateway",
					},
					dataFlag,
					timeoutFlag,
					asyncFlag,
				},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					service := cmd.Args().Get(0)
					method := cmd.Args().Get(1)
					if service == "" || method == "" {
						return fmt.Errorf("service and method are required")
					}
					output, err := callGRPC(ctx, cmd.String("address"), service, method,
						[]byte(cmd.String("data")), cmd.Bool("async"), cmd.Duration("timeout"))
					if err != nil {
						return err
					}
					fmt.Printf("%s\n", output)
					return nil
				},
			},
			{
				Name:  "functions",
				Usage: "list the functions in a config file",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "func-config-file",
						Usage:    "path to the function config file",
						Required: true,
					},
				},
				Action: func(ctx context.Context, cmd *cli.Command) error {
					cfg, err := funcconfig.Load(cmd.String("func-config-file"))
					if err != nil {
						return err
					}
					for _, name := range cfg.Names() {
						entry, _ := cfg.FindByName(name)
						if entry.IsGrpcService {
							fmt.Printf("%d\t%s\tgrpc: %s\n", entry.FuncID, name, strings.Join(entry.GrpcMethods, ", "))
						} else {
							fmt.Printf("%d\t%s\n", entry.FuncID, name)
						}
					}
					return nil
				},
			},
		},
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		log.Fatal(err)
	}
}

func callHTTP(ctx context.Context, address, funcName string, data []byte, async bool, timeout time.Duration) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	u := url.URL{Scheme: "http", Host: address, Path: "/function/" + funcName}
	if async {
		u.RawQuery = "async=1"
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), strings.NewReader(string(data)))
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("gateway returned %s: %s", resp.Status, strings.TrimSpace(string(body)))
	}
	return body, nil
}

// rawCodec mirrors the gateway's pass-through framing: the CLI sends and
// receives opaque bytes.
type rawCodec struct{}

func (rawCodec) Name() string { return "faasgate-raw" }

func (rawCodec) Marshal(v any) ([]byte, error) {
	b, ok := v.([]byte)
	if !ok {
		return nil, fmt.Errorf("rawCodec: cannot marshal %T", v)
	}
	return b, nil
}

func (rawCodec) Unmarshal(data []byte, v any) error {
	p, ok := v.(*[]byte)
	if !ok {
		return fmt.Errorf("rawCodec: cannot unmarshal into %T", v)
	}
	*p = data
	return nil
}

func callGRPC(ctx context.Context, address, service, method string, data []byte, async bool, timeout time.Duration) ([]byte, error) {
	conn, err := grpc.NewClient(address, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if async {
		ctx = metadata.AppendToOutgoingContext(ctx, "faasgate-async", "1")
	}

	var out []byte
	err = conn.Invoke(ctx, "/"+service+"/"+method, data, &out, grpc.ForceCodec(rawCodec{}))
	if err != nil {
		return nil, err
	}
	return out, nil
}
