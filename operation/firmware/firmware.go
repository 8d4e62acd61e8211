// Package firmware implements the download and install states of the
// firmware update operation.
package firmware

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/edgecmd/edgecmd/engine"
	"github.com/edgecmd/edgecmd/filetransfer/client"
	"github.com/edgecmd/edgecmd/log/logkeys"
	"github.com/edgecmd/edgecmd/operation"
	"github.com/edgecmd/edgecmd/topic"
	"github.com/edgecmd/edgecmd/workflow"

	"github.com/micromdm/nanolib/log"
	"github.com/micromdm/nanolib/log/ctxlog"
)

const (
	KeyName    = "name"
	KeyVersion = "version"

	// KeyFile is the path of the downloaded image.
	KeyFile = "file"
)

var ErrMissingImage = errors.New("missing firmware image")

// Image is a downloaded firmware image.
type Image struct {
	Name    string
	Version string
	Path    string
}

// Installer installs firmware images.
type Installer interface {
	Install(ctx context.Context, img *Image) error
}

// InstallerFunc adapts a func to an Installer.
type InstallerFunc func(ctx context.Context, img *Image) error

// Install calls f(ctx, img).
func (f InstallerFunc) Install(ctx context.Context, img *Image) error {
	return f(ctx, img)
}

// ExecInstaller installs images by running an external program as
// "<path> install <image> <name> <version>".
type ExecInstaller struct {
	Path string
}

// Install runs the installer program.
func (i *ExecInstaller) Install(ctx context.Context, img *Image) error {
	out, err := exec.CommandContext(ctx, i.Path, "install", img.Path, img.Name, img.Version).CombinedOutput()
	if err != nil {
		return fmt.Errorf("running %s: %w: %s", i.Path, err, out)
	}
	return nil
}

// Participant downloads and installs firmware images.
type Participant struct {
	files     operation.Transferer
	installer Installer
	cacheDir  string
	target    topic.EntityID
	logger    log.Logger
}

type Option func(*Participant)

func WithLogger(logger log.Logger) Option {
	return func(p *Participant) {
		p.logger = logger
	}
}

// WithTarget sets the entity the participant acts for.
func WithTarget(target topic.EntityID) Option {
	return func(p *Participant) {
		p.target = target
	}
}

// New creates a new firmware participant downloading into cacheDir.
func New(files operation.Transferer, installer Installer, cacheDir string, opts ...Option) *Participant {
	p := &Participant{
		files:     files,
		installer: installer,
		cacheDir:  cacheDir,
		target:    topic.MainDevice,
		logger:    log.NopLogger,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Register registers the state handlers of the participant.
func (p *Participant) Register(r operation.Registrar) {
	r.RegisterHandler(workflow.OpFirmwareUpdate, workflow.StatusDownloading, engine.StateHandlerFunc(p.Download))
	r.RegisterHandler(workflow.OpFirmwareUpdate, workflow.StatusInstalling, engine.StateHandlerFunc(p.Install))
}

// Start declares the firmware update capability.
func (p *Participant) Start(ctx context.Context, d operation.Declarer) error {
	return operation.Declare(ctx, d, p.target, nil, workflow.OpFirmwareUpdate)
}

// Stop withdraws the firmware update capability.
func (p *Participant) Stop(ctx context.Context, d operation.Declarer) error {
	return operation.Withdraw(ctx, d, p.target, workflow.OpFirmwareUpdate)
}

// imagePath is stable across attempts so interrupted downloads resume.
func (p *Participant) imagePath(cmd *engine.Command) string {
	return filepath.Join(p.cacheDir, cmd.Target.Slug()+"-"+cmd.ID)
}

// Download fetches the image into the cache directory.
// Retried attempts continue a partial download unless the workflow
// restarts its attempts.
func (p *Participant) Download(ctx context.Context, cmd *engine.Command) (workflow.Payload, error) {
	if cmd.Target != p.target {
		return nil, nil
	}
	url := cmd.Payload.String(operation.KeyTedgeURL)
	if url == "" {
		url = cmd.Payload.String(operation.KeyRemoteURL)
	}
	if url == "" {
		return nil, fmt.Errorf("%w: %s", operation.ErrMissingField, operation.KeyRemoteURL)
	}
	if err := os.MkdirAll(p.cacheDir, 0755); err != nil {
		return nil, err
	}

	dst := p.imagePath(cmd)
	logger := ctxlog.Logger(ctx, p.logger).With(logkeys.CommandID, cmd.ID, logkeys.Path, dst)
	if !cmd.Resume {
		os.Remove(client.PartialPath(dst))
	}
	if err := p.files.Download(ctx, url, dst, cmd.Payload.String(operation.KeySHA256)); err != nil {
		return nil, operation.TransferError(err)
	}
	logger.Debug(logkeys.Message, "downloaded firmware", "url", url)
	return workflow.Payload{
		workflow.KeyStatus: workflow.StatusDownloaded,
		KeyFile:            dst,
	}, nil
}

// Install installs the downloaded image and removes it from the cache.
func (p *Participant) Install(ctx context.Context, cmd *engine.Command) (workflow.Payload, error) {
	if cmd.Target != p.target {
		return nil, nil
	}
	img := &Image{
		Name:    cmd.Payload.String(KeyName),
		Version: cmd.Payload.String(KeyVersion),
		Path:    cmd.Payload.String(KeyFile),
	}
	if img.Path == "" {
		return nil, ErrMissingImage
	}
	if _, err := os.Stat(img.Path); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMissingImage, err)
	}
	if err := p.installer.Install(ctx, img); err != nil {
		return nil, fmt.Errorf("installing firmware: %w", err)
	}
	if err := os.Remove(img.Path); err != nil {
		ctxlog.Logger(ctx, p.logger).Info(logkeys.Message, "removing firmware image", logkeys.Error, err)
	}
	ctxlog.Logger(ctx, p.logger).Info(
		logkeys.Message, "installed firmware",
		logkeys.CommandID, cmd.ID,
		KeyName, img.Name,
		KeyVersion, img.Version,
	)
	return workflow.Payload{workflow.KeyStatus: workflow.StatusSuccessful}, nil
}
