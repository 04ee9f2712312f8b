package main

import (
	"fmt"
	"os"
	"os/exec"
	"runtime"

	"github.com/harrison-roh/object-detection-with-yolo/clientapp/client"
	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
)

func main() {
	app := &cli.App{
		Name:  "clientapp",
		Usage: "upload an image to the detection server and save the annotated result",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "url",
				Value: "http://127.0.0.1:5000/predict",
				Usage: "detection server endpoint",
			},
			&cli.StringFlag{
				Name:     "image",
				Required: true,
				Usage:    "path to the image to upload",
			},
			&cli.StringFlag{
				Name:  "output",
				Value: "output.jpg",
				Usage: "path to save the annotated image",
			},
			&cli.BoolFlag{
				Name:  "open",
				Usage: "open the saved image with the system viewer",
			},
		},
		Action: run,
	}

	if err := app.Run(os.Args); err != nil {
		var statusErr *client.StatusError
		if errors.As(err, &statusErr) {
			fmt.Printf("[ERROR] Server returned status code %d\n", statusErr.StatusCode)
			fmt.Println(statusErr.Body)
		} else {
			fmt.Printf("[ERROR] %v\n", err)
		}
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	cl := client.New(c.String("url"))

	fmt.Println("[INFO] Sending image to server...")
	res, err := cl.Predict(c.String("image"))
	if err != nil {
		return err
	}
	fmt.Println("[INFO] Received response from server.")

	fmt.Println("\nPredictions:")
	for i, p := range res.Predictions {
		fmt.Println(client.FormatPrediction(i+1, p))
	}

	if res.Image == "" {
		return nil
	}

	fmt.Println("[INFO] Saving annotated image...")
	output := c.String("output")
	if err := client.SaveImage(res.Image, output); err != nil {
		return err
	}
	fmt.Printf("[INFO] Annotated image saved as %s\n", output)

	if c.Bool("open") {
		return openViewer(output)
	}

	return nil
}

func openViewer(path string) error {
	viewer := "xdg-open"
	switch runtime.GOOS {
	case "darwin":
		viewer = "open"
	case "windows":
		return exec.Command("cmd", "/c", "start", "", path).Start()
	}

	return exec.Command(viewer, path).Start()
}
