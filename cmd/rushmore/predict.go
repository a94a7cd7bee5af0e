package main

import (
	"errors"
	"fmt"
	"image/png"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/MaxShih147/Rushmore/depth"
	"github.com/MaxShih147/Rushmore/heightfield"
	"github.com/MaxShih147/Rushmore/logging"
	"github.com/MaxShih147/Rushmore/mesh"
	"github.com/MaxShih147/Rushmore/relief"
)

type predictOptions struct {
	in         string
	out        string
	meshOut    string
	blur       int
	depthScale float64
}

func newPredictCmd() *cobra.Command {
	var opts predictOptions
	cmd := &cobra.Command{
		Use:   "predict",
		Short: "Run one image through the pipeline without starting the server",
		Long: "Sends an image to the prediction service and writes the resulting " +
			"height map as a PNG. With --mesh the displaced mesh is written in binary form.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			defer logging.Sync()

			if !cmd.Flags().Changed("blur") {
				opts.blur = cfg.Relief.BlurRadius
			}
			if !cmd.Flags().Changed("depth-scale") {
				opts.depthScale = cfg.Relief.DepthScale
			}
			client := depth.NewClient(depth.Options{
				Endpoint:     cfg.Prediction.Endpoint,
				Timeout:      cfg.Prediction.Timeout,
				MaxUploadDim: cfg.Prediction.MaxUploadDim,
				Logger:       logging.Named("depth"),
			})
			return runPredict(cmd, client, opts)
		},
	}
	cmd.Flags().StringVarP(&opts.in, "in", "i", "", "Input image")
	cmd.Flags().StringVarP(&opts.out, "out", "o", "heightmap.png", "Output height map PNG")
	cmd.Flags().StringVar(&opts.meshOut, "mesh", "", "Also write the mesh to this file")
	cmd.Flags().IntVar(&opts.blur, "blur", relief.DefaultBlurRadius, "Blur radius, 0 writes the raw depth map")
	cmd.Flags().Float64Var(&opts.depthScale, "depth-scale", relief.DefaultDepthScale, "Depth scale for --mesh")
	_ = cmd.MarkFlagRequired("in")
	return cmd
}

func runPredict(cmd *cobra.Command, p relief.Predictor, opts predictOptions) error {
	log := logging.Logger
	if opts.blur != 0 {
		if err := relief.ValidateBlurRadius(opts.blur); err != nil {
			return err
		}
	}
	if opts.meshOut != "" {
		if err := relief.ValidateDepthScale(opts.depthScale); err != nil {
			return err
		}
	}

	data, err := os.ReadFile(opts.in)
	if err != nil {
		return err
	}
	if _, err := depth.DetectImage(data); err != nil {
		return fmt.Errorf("%s: %w", opts.in, err)
	}

	raw, err := p.Predict(cmd.Context(), data)
	if err != nil {
		return err
	}
	img, err := depth.Decode(raw)
	if err != nil {
		return err
	}

	field := heightfield.FromRGBA(img)
	if opts.blur > 0 {
		field = heightfield.Blur(field, opts.blur)
	}
	if err := writePNG(opts.out, field); err != nil {
		return err
	}
	log.Info("height map written", zap.String("path", opts.out), zap.Int("blur", opts.blur))
	fmt.Fprintln(cmd.OutOrStdout(), opts.out)

	if opts.meshOut == "" {
		return nil
	}
	m, err := mesh.Generate(field, opts.depthScale, mesh.DefaultOptions())
	if err != nil {
		return err
	}
	defer m.Release()
	if err := writeMesh(opts.meshOut, m); err != nil {
		return err
	}
	log.Info("mesh written",
		zap.String("path", opts.meshOut),
		zap.Int("vertices", m.VertexCount()),
		zap.Int("triangles", m.TriangleCount()))
	fmt.Fprintln(cmd.OutOrStdout(), opts.meshOut)
	return nil
}

func writePNG(path string, f *heightfield.Field) (err error) {
	out, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() { err = errors.Join(err, out.Close()) }()
	return png.Encode(out, f.Image())
}

func writeMesh(path string, m *mesh.Mesh) (err error) {
	out, err := os.Create(path)
	if err != nil {
		return err
	}
	defer func() { err = errors.Join(err, out.Close()) }()
	return m.WriteBinary(out)
}
