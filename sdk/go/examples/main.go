// Command examples drives a running plugin host through the Go SDK.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"PluginHost/sdk/go/pluginhost"
)

func main() {
	addr := flag.String("addr", "http://127.0.0.1:8080", "plugin host admin API")
	token := flag.String("token", os.Getenv("PLUGINHOST_TOKEN"), "bearer token")
	id := flag.String("plugin", "acme:greeter", "plugin to install and enable")
	flag.Parse()

	client, err := pluginhost.NewClient(*addr, nil)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	client.SetAccessToken(*token)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	installed, err := client.Install(ctx, pluginhost.InstallRequest{ID: *id})
	if err != nil && !pluginhost.IsCode(err, "ILLEGAL_STATE") {
		fmt.Fprintln(os.Stderr, "install:", err)
		os.Exit(1)
	}
	if err == nil {
		fmt.Printf("installed %s\n", installed.ID)
	}

	enabled, err := client.Enable(ctx, *id)
	if err != nil {
		fmt.Fprintln(os.Stderr, "enable:", err)
		os.Exit(1)
	}
	fmt.Printf("enabled %s, commands %v\n", enabled.ID, enabled.Commands)

	for _, label := range enabled.Commands {
		out, err := client.Execute(ctx, label, "sdk")
		if err != nil {
			fmt.Fprintf(os.Stderr, "%s: %v\n", label, err)
			continue
		}
		fmt.Printf("%s -> %s\n", label, out)
	}
}
