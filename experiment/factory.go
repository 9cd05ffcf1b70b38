package experiment

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"time"

	"k8s.io/klog/v2"

	"github.com/tsawler/go-mnist/checkpoints"
	"github.com/tsawler/go-mnist/config"
	"github.com/tsawler/go-mnist/device"
	"github.com/tsawler/go-mnist/distributed"
	"github.com/tsawler/go-mnist/model"
	"github.com/tsawler/go-mnist/monitor"
	"github.com/tsawler/go-mnist/optimizer"
	"github.com/tsawler/go-mnist/training"
	"github.com/tsawler/go-mnist/vision/dataloader"
	"github.com/tsawler/go-mnist/vision/dataset"
)

// DefaultFactory builds the real MNIST components.
type DefaultFactory struct {
	// Progress receives progress bars and the architecture table on the master. nil
	// disables both.
	Progress io.Writer
	// Client downloads the dataset; nil uses http.DefaultClient.
	Client *http.Client
	// Digests overrides the expected dataset digests.
	Digests map[string]string
	// Env describes the process group in distributed mode; nil reads the environment.
	Env *distributed.Env
}

func (f *DefaultFactory) Build(ctx context.Context, cfg config.Config, mode device.Mode) (c *Components, err error) {
	var closers []func() error
	closeAll := func() error {
		var errs []error
		for i := len(closers) - 1; i >= 0; i-- {
			errs = append(errs, closers[i]())
		}
		return errors.Join(errs...)
	}
	defer func() {
		if err != nil {
			closeAll()
		}
	}()

	info := device.Detect()
	rank, worldSize := 0, 1
	var group distributed.Group
	if mode == device.ModeDistributed {
		env, err := f.env()
		if err != nil {
			return nil, err
		}
		if group, err = distributed.Init(ctx, env); err != nil {
			return nil, err
		}
		closers = append(closers, group.Close)
		rank, worldSize = group.Rank(), group.Size()
	}
	master := rank == 0
	progress := f.Progress
	if !master {
		progress = nil
	}

	trainSet, err := f.dataset(ctx, cfg.Data, true)
	if err != nil {
		return nil, err
	}
	testSet, err := f.dataset(ctx, cfg.Data, false)
	if err != nil {
		return nil, err
	}

	klog.V(1).Infof("train split: %d images, class counts %v", trainSet.Len(), trainSet.ClassDistribution())
	klog.V(1).Infof("test split: %d images", testSet.Len())

	trainCfg := dataloader.Config{
		BatchSize: cfg.Data.BatchSize,
		Shuffle:   cfg.Data.Shuffle,
		Workers:   cfg.Data.Workers,
		PinMemory: cfg.Data.PinMemory,
		Seed:      cfg.Seed,
	}
	if group != nil {
		sampler, err := dataloader.NewDistributedSampler(trainSet.Len(), worldSize, rank, cfg.Data.Shuffle, cfg.Seed)
		if err != nil {
			return nil, err
		}
		trainCfg.Sampler = sampler
	}
	trainLoader, err := dataloader.New(trainSet, trainCfg)
	if err != nil {
		return nil, fmt.Errorf("train loader: %w", err)
	}
	// the test split is never sharded: every rank evaluates all of it
	testCfg := trainCfg
	testCfg.Sampler = nil
	testLoader, err := dataloader.New(testSet, testCfg)
	if err != nil {
		return nil, fmt.Errorf("test loader: %w", err)
	}

	base, err := model.NewCNN(cfg.Model, rand.New(rand.NewSource(cfg.Seed)))
	if err != nil {
		return nil, err
	}
	var classifier model.Model
	replicas := 1
	switch mode {
	case device.ModeDistributed:
		if classifier, err = model.NewDistributedDataParallel(ctx, base, group); err != nil {
			return nil, err
		}
	default:
		replicas = device.Replicas(cfg.Devices, cfg.Data.BatchSize, info)
		if classifier, err = model.NewDataParallel(base, replicas); err != nil {
			return nil, err
		}
	}
	klog.Info(device.Describe(mode, replicas, info))
	klog.V(1).Info(classifier.Spec().Summary())
	if progress != nil {
		training.NewModelArchitecturePrinter("MNIST CNN").PrintArchitecture(progress, classifier.Spec())
	}

	hp := cfg.Train.Hyperparameters
	opt, err := optimizer.New(cfg.Train.Optimizer, hp, classifier.Parameters())
	if err != nil {
		return nil, err
	}
	scheduler, err := training.NewScheduler(hp)
	if err != nil {
		return nil, err
	}
	format, err := checkpoints.ParseFormat(cfg.Train.CheckpointFormat)
	if err != nil {
		return nil, err
	}
	manager := checkpoints.NewCheckpointManager(checkpoints.CheckpointConfig{
		SaveDirectory: cfg.Train.CheckpointDir,
		Format:        format,
	})

	criterion := training.NewCrossEntropyLoss("mean")
	trainer := training.NewTrainer(trainLoader, classifier, criterion, opt, scheduler, manager, training.TrainerConfig{
		BaseLR:      hp.LR,
		TotalEpochs: hp.TotalEpochs,
		LogEvery:    cfg.Train.LogEvery,
		Progress:    progress,
	})
	evaluator := training.NewEvaluator(testLoader, classifier, criterion, cfg.Model.Classes, progress)

	var mon *monitor.Monitor
	if master && (cfg.Monitor.Addr != "" || cfg.Monitor.PlotDir != "") {
		mon = monitor.New(monitor.NewCollector("MNIST CNN"), cfg.Monitor.PlotDir)
		if cfg.Monitor.Addr != "" {
			if _, err := mon.Start(cfg.Monitor.Addr); err != nil {
				return nil, err
			}
		}
		closers = append(closers, func() error {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return mon.Shutdown(ctx)
		})
	}

	return &Components{
		Trainer:        trainer,
		Evaluator:      evaluator,
		BestCheckpoint: manager.BestPath(),
		Master:         master,
		Group:          group,
		Monitor:        mon,
		Close:          closeAll,
	}, nil
}

func (f *DefaultFactory) env() (distributed.Env, error) {
	if f.Env != nil {
		return *f.Env, nil
	}
	return distributed.EnvFromOS()
}

func (f *DefaultFactory) dataset(ctx context.Context, cfg config.DataConfig, train bool) (*dataset.MNIST, error) {
	ds, err := dataset.NewMNIST(ctx, dataset.Options{
		Root:     cfg.Root,
		Train:    train,
		Download: cfg.Download,
		Mirror:   cfg.Mirror,
		Client:   f.Client,
		Digests:  f.Digests,
	})
	if err != nil {
		split := "test"
		if train {
			split = "train"
		}
		return nil, fmt.Errorf("%s split: %w", split, err)
	}
	return ds, nil
}
