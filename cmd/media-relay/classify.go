package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/fpang/media-relay/internal/app"
	"github.com/fpang/media-relay/internal/classify"
	"github.com/fpang/media-relay/internal/publish"
)

var platformFlag string

var classifyCmd = &cobra.Command{
	Use:   "classify <path-or-url>",
	Short: "Probe a file and show how it would be published",
	Args:  cobra.ExactArgs(1),
	RunE:  runClassify,
}

func init() {
	classifyCmd.Flags().StringVarP(&platformFlag, "platform", "p", "instagram", "Target platform (instagram, facebook)")
}

func profileFor(platform string) (classify.Profile, publish.Capabilities, error) {
	caps := publish.Capabilities{SupportsReels: true, SupportsImages: true}
	switch strings.ToLower(platform) {
	case "instagram", "ig":
		return classify.Instagram(), caps, nil
	case "facebook", "fb":
		return classify.Facebook(), caps, nil
	default:
		return classify.Profile{}, caps, fmt.Errorf("unknown platform %q", platform)
	}
}

func runClassify(cmd *cobra.Command, args []string) error {
	target := args[0]
	profile, caps, err := profileFor(platformFlag)
	if err != nil {
		return err
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	var size int64
	if info, err := os.Stat(target); err == nil {
		size = info.Size()
	}

	res, err := app.Classify(cmd.Context(), cfg, target, size, profile)
	if err != nil {
		return err
	}
	product, perr := publish.SelectProduct(res.Kind, classify.ShortForm(res.Properties, profile), caps)

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "File:        %s\n", target)
	fmt.Fprintf(out, "Platform:    %s\n", profile.Name)
	fmt.Fprintf(out, "Kind:        %s\n", res.Kind)
	if res.Properties != nil {
		fmt.Fprintf(out, "Properties:  %s\n", res.Properties)
	}
	fmt.Fprintf(out, "Short-form:  %t\n", res.IsShortForm)
	if perr != nil {
		fmt.Fprintf(out, "Product:     unsupported (%v)\n", perr)
	} else {
		fmt.Fprintf(out, "Product:     %s\n", product)
	}
	if res.NeedsConditioning {
		fmt.Fprintf(out, "Conditioning: required (%s)\n", res.Reason())
	} else {
		fmt.Fprintln(out, "Conditioning: not needed")
	}
	return nil
}
