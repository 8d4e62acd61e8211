package main

import (
	"fmt"

	storageeng "github.com/edgecmd/edgecmd/engine/storage"
	storageengdiskv "github.com/edgecmd/edgecmd/engine/storage/diskv"
	storageenginmem "github.com/edgecmd/edgecmd/engine/storage/inmem"
	storageengmysql "github.com/edgecmd/edgecmd/engine/storage/mysql"
	storageft "github.com/edgecmd/edgecmd/filetransfer/storage"
	storageftdiskv "github.com/edgecmd/edgecmd/filetransfer/storage/diskv"
	storageftfs "github.com/edgecmd/edgecmd/filetransfer/storage/fs"

	_ "github.com/go-sql-driver/mysql"
)

type storageConfig struct {
	engine storageeng.AllStorage
	files  storageft.Storage
}

func parseEngineStorage(name, dsn string) (storageeng.AllStorage, error) {
	switch name {
	case "inmem":
		return storageenginmem.New(), nil
	case "file", "diskv":
		if dsn == "" {
			dsn = "db"
		}
		return storageengdiskv.New(dsn), nil
	case "mysql":
		return storageengmysql.New(storageengmysql.WithDSN(dsn))
	}
	return nil, fmt.Errorf("unknown storage: %s", name)
}

func parseFileStorage(name, path string) (storageft.Storage, error) {
	if path == "" {
		path = "files"
	}
	switch name {
	case "fs", "file":
		return storageftfs.New(path)
	case "diskv":
		return storageftdiskv.New(path), nil
	}
	return nil, fmt.Errorf("unknown file storage: %s", name)
}

func parseStorage(name, dsn, filesName, filesPath string) (*storageConfig, error) {
	eng, err := parseEngineStorage(name, dsn)
	if err != nil {
		return nil, fmt.Errorf("engine storage: %w", err)
	}
	files, err := parseFileStorage(filesName, filesPath)
	if err != nil {
		return nil, fmt.Errorf("file transfer storage: %w", err)
	}
	return &storageConfig{engine: eng, files: files}, nil
}
