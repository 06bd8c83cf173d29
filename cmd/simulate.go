package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/smazurov/hwcomposer/internal/logging"
	"github.com/smazurov/hwcomposer/internal/scene"
)

type simulateSummary struct {
	frames    int
	committed int
	failed    int
	fallbacks int
	squashed  int
}

// CreateSimulateCmd creates the simulate command.
func CreateSimulateCmd() *cobra.Command {
	var sceneFile string
	var frames int
	var jsonOutput bool
	var logLevel string
	var noOverlays bool

	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Replay a scene through the compositor",
		Long: `Runs the compositor against a virtual display device and software blender, ` +
			`replaying the layers and changes of a TOML scene file and printing the plane plan of every frame.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			logging.Initialize(logging.Config{Level: logLevel, Format: "text"})
			logger := logging.GetLogger("scene")

			s, err := scene.Load(sceneFile)
			if err != nil {
				return err
			}
			if frames <= 0 {
				frames = s.Frames
			}
			if noOverlays {
				disabled := false
				s.Overlays = &disabled
			}

			runner, err := scene.NewRunner(s, scene.Options{Logger: logging.GetLogger("compositor")})
			if err != nil {
				return fmt.Errorf("start compositor: %w", err)
			}
			defer runner.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			logger.Info("Replaying scene", "scene", sceneFile, "frames", frames, "displays", len(s.Device.Displays), "layers", len(s.Layers))

			out := cmd.OutOrStdout()
			enc := json.NewEncoder(out)
			var summary simulateSummary
			err = runner.Run(ctx, frames, func(res scene.FrameResult) {
				summary.add(res)
				if jsonOutput {
					if encErr := enc.Encode(res); encErr != nil {
						logger.Warn("Failed to encode frame", "frame", res.FrameNo, "error", encErr)
					}
					return
				}
				printFrame(out, res)
			})
			if err != nil && ctx.Err() == nil {
				return err
			}

			if !jsonOutput {
				fmt.Fprintf(out, "\n%d frames: %d display commits, %d failed, %d squash fallbacks, %d squashed\n",
					summary.frames, summary.committed, summary.failed, summary.fallbacks, summary.squashed)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&sceneFile, "scene", "s", "scene.toml", "Scene file to replay")
	cmd.Flags().IntVarP(&frames, "frames", "n", 0, "Number of frames (0 uses the scene's frame count)")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Print one JSON object per frame")
	cmd.Flags().StringVar(&logLevel, "log-level", "warn", "Logging level (debug, info, warn, error)")
	cmd.Flags().BoolVar(&noOverlays, "no-overlays", false, "Scan out every frame from the precomposition buffer")
	return cmd
}

func (s *simulateSummary) add(res scene.FrameResult) {
	s.frames++
	for _, d := range res.Displays {
		switch {
		case d.Committed:
			s.committed++
		case d.Error != "":
			s.failed++
		}
		if d.Fallback {
			s.fallbacks++
		}
		if d.Squashed {
			s.squashed++
		}
	}
}

func printFrame(w io.Writer, res scene.FrameResult) {
	for _, d := range res.Displays {
		var flags []string
		if d.GeometryChange {
			flags = append(flags, "geometry")
		}
		if d.Fallback {
			flags = append(flags, "fallback")
		}
		if d.Squashed {
			flags = append(flags, "squashed")
		}

		fmt.Fprintf(w, "frame %4d display %d: %d layers", res.FrameNo, d.Display, d.Layers)
		if d.Error != "" {
			fmt.Fprintf(w, " FAILED: %s\n", d.Error)
			continue
		}
		fmt.Fprintf(w, ", %d on planes, %d precomp, %d squash regions", d.LayerPlanes, d.PrecompRegions, d.SquashRegions)
		if len(flags) > 0 {
			fmt.Fprintf(w, " [%s]", strings.Join(flags, ","))
		}
		fmt.Fprintln(w)

		for _, p := range d.Planes {
			if p.Type == "disable" {
				continue
			}
			fmt.Fprintf(w, "    plane %d %-7s layers %v\n", p.Plane, p.Type, p.Layers)
		}
	}
}
