package main

import (
	"errors"
	"log"
	"net/http"
	"os"
	"path/filepath"

	"videoSearch/config"
	"videoSearch/core"
	"videoSearch/processors"
	"videoSearch/server"
	"videoSearch/storage"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if !cfg.HasValidAPI() {
		config.PrintConfigInstructions()
		log.Printf("Warning: no valid API key, using mock ASR and hash embeddings")
	}

	for _, dir := range []string{core.DataRoot(), core.InputDir(), core.ScreenshotsDir()} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			log.Fatalf("failed to create data dir %s: %v", dir, err)
		}
	}

	store, err := storage.OpenSegmentStore(filepath.Join(core.DataRoot(), "segments.db"))
	if err != nil {
		log.Fatalf("failed to open segment store: %v", err)
	}
	defer store.Close()

	index := storage.NewVectorIndex(cfg)
	log.Printf("Vector index backend: %s", cfg.Store)

	// 启动时恢复上次建好的索引，和片段存储对账。
	// 不一致只告警不退出：服务还能收新视频，重新摄取即可恢复。
	ids, err := store.IDs()
	if err != nil {
		log.Fatalf("failed to read segment ids: %v", err)
	}
	if err := index.Load(ids); err != nil {
		if errors.Is(err, core.ErrIndexConsistency) {
			log.Printf("Warning: vector index out of sync with segment store: %v", err)
			log.Printf("Warning: search disabled until next ingestion rebuilds the index")
		} else {
			log.Printf("Warning: failed to load vector index: %v", err)
		}
	} else {
		log.Printf("Vector index loaded: %d segment(s)", index.Count())
	}

	embedder := storage.PickEmbedder(cfg)
	asr := processors.PickASRProvider(cfg)
	orch := processors.NewOrchestrator(cfg, store, index, embedder, asr)

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}
	srv := server.New(orch)
	log.Printf("videoSearch server listening on :%s", port)
	log.Printf("  POST /api/upload       上传视频并开始摄取")
	log.Printf("  GET  /api/status       管线状态")
	log.Printf("  POST /api/search       语义检索")
	log.Printf("  GET  /api/image/{name} 片段边界截图")
	if err := http.ListenAndServe(":"+port, srv.Router()); err != nil {
		log.Fatalf("server error: %v", err)
	}
}
