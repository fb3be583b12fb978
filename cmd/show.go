package cmd

import (
	"fmt"
	"io"
	"os"
	"slices"
	"strconv"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/llava-go/llava/api"
	"github.com/llava-go/llava/format"
)

func ShowHandler(cmd *cobra.Command, args []string) error {
	client, err := api.ClientFromEnvironment()
	if err != nil {
		return err
	}

	verbose, err := cmd.Flags().GetBool("modelinfo")
	if err != nil {
		return err
	}

	resp, err := client.Show(cmd.Context(), &api.ShowRequest{Model: args[0]})
	if err != nil {
		return err
	}

	return showInfo(resp, verbose, os.Stdout)
}

func showInfo(resp *api.ShowResponse, verbose bool, w io.Writer) error {
	tableRender := func(header string, rows func() [][]string) {
		fmt.Fprintln(w, " ", header)
		table := tablewriter.NewWriter(w)
		table.SetAlignment(tablewriter.ALIGN_LEFT)
		table.SetBorder(false)
		table.SetNoWhiteSpace(true)
		table.SetTablePadding("    ")

		for _, row := range rows() {
			table.Append(row)
		}

		table.Render()
		fmt.Fprintln(w)
	}

	d := resp.Details
	tableRender("Model", func() [][]string {
		rows := [][]string{
			{"", "architecture", d.Architecture},
			{"", "conversation", resp.ConversationMode},
			{"", "size", format.HumanBytes(d.Size)},
		}

		if d.DType != "" {
			rows = append(rows, []string{"", "dtype", d.DType})
		}

		if d.ContextLength > 0 {
			rows = append(rows, []string{"", "context length", strconv.Itoa(d.ContextLength)})
		}

		return rows
	})

	tableRender("Vision", func() [][]string {
		rows := [][]string{
			{"", "projector", d.Projector},
			{"", "merge", d.MergeType},
			{"", "select layer", strconv.Itoa(d.SelectLayer)},
			{"", "image size", strconv.Itoa(d.ImageSize)},
			{"", "patch size", strconv.Itoa(d.PatchSize)},
		}

		if d.AspectRatio != "" {
			rows = append(rows, []string{"", "aspect ratio", d.AspectRatio})
		}

		if d.Pinpoints > 0 {
			rows = append(rows, []string{"", "pinpoints", strconv.Itoa(d.Pinpoints)})
		}

		return rows
	})

	if verbose && len(resp.ModelInfo) > 0 {
		tableRender("Metadata", func() (rows [][]string) {
			keys := make([]string, 0, len(resp.ModelInfo))
			for k := range resp.ModelInfo {
				keys = append(keys, k)
			}
			slices.Sort(keys)

			for _, k := range keys {
				rows = append(rows, []string{"", k, fmt.Sprintf("%v", resp.ModelInfo[k])})
			}

			return rows
		})
	}

	return nil
}
