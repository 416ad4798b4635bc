package server

import (
	"context"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/glorpus-work/qpserver/internal/logger"
	"github.com/glorpus-work/qpserver/pkg/collector"
	"github.com/glorpus-work/qpserver/pkg/errors"
	"github.com/glorpus-work/qpserver/pkg/hash"
	"github.com/glorpus-work/qpserver/pkg/qpy"
)

func (s *Server) handleStatus(c *gin.Context) {
	poolStats := s.pool.Stats()
	packageStats := s.packages.Stats()
	indexStats := s.indexes.Stats()

	c.JSON(http.StatusOK, gin.H{
		"name": "qpserver",
		"worker_pool": gin.H{
			"workers":         poolStats.Workers,
			"idle":            poolStats.Idle,
			"busy":            poolStats.Busy,
			"max_workers":     poolStats.MaxWorkers,
			"reserved_memory": poolStats.ReservedMemory,
			"max_memory":      poolStats.MaxMemory,
		},
		"cache_package": gin.H{
			"entries":  packageStats.Entries,
			"bytes":    packageStats.TotalSize,
			"max_size": packageStats.MaxSize,
		},
		"cache_repo_index": gin.H{
			"entries":  indexStats.Entries,
			"bytes":    indexStats.TotalSize,
			"max_size": indexStats.MaxSize,
		},
	})
}

func (s *Server) handleListPackages(c *gin.Context) {
	packages := s.collection.Packages()
	if packages == nil {
		packages = []collector.PackageInfo{}
	}
	c.JSON(http.StatusOK, gin.H{"packages": packages})
}

func (s *Server) handleGetPackage(c *gin.Context) {
	info, err := s.collection.ResolveHash(c.Param("hash"))
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, info)
}

func (s *Server) handleGetPackageFile(c *gin.Context) {
	entry, err := s.collection.Materialize(c.Request.Context(), c.Param("hash"))
	if err != nil {
		abortWithError(c, err)
		return
	}
	defer entry.Release()
	c.FileAttachment(entry.Path, entry.Key+qpy.Extension)
}

// handleUpload accepts a package body from the LMS. Gated behind
// webservice.allow_lms_packages; the stored key is the body's own hash so a
// tampered transfer cannot poison the cache.
func (s *Server) handleUpload(c *gin.Context) {
	if !s.cfg.Webservice.AllowLMSPackages {
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "LMS package upload is disabled"})
		return
	}

	maxSize := s.cfg.Webservice.MaxPackageSize.Bytes()
	data, err := io.ReadAll(io.LimitReader(c.Request.Body, maxSize+1))
	if err != nil {
		abortWithError(c, errors.Wrap(errors.ErrDownloadFailed, err.Error()))
		return
	}
	if int64(len(data)) > maxSize {
		abortWithError(c, errors.Wrapf(errors.ErrPackageTooLarge, "upload exceeds %d bytes", maxSize))
		return
	}

	key := hash.Bytes(data)
	entry, err := s.packages.Put(key, data)
	if err != nil {
		abortWithError(c, err)
		return
	}
	defer entry.Release()

	manifest, err := qpy.ReadManifest(c.Request.Context(), entry.Path)
	if err != nil {
		_ = s.packages.Remove(key)
		abortWithError(c, errors.Wrap(errors.ErrInvalidManifest, err.Error()))
		return
	}

	logger.Info("LMS package stored", logger.Fields{
		"package": manifest.Identifier(),
		"version": manifest.Version,
		"hash":    key,
	})
	c.JSON(http.StatusCreated, gin.H{
		"hash":    key,
		"size":    len(data),
		"name":    manifest.ShortName,
		"version": manifest.Version,
	})
}

// handleCall runs one operation of a package inside a pooled worker. The
// bundle stays pinned in the cache for the duration of the call.
func (s *Server) handleCall(c *gin.Context) {
	data, err := c.GetRawData()
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	entry, err := s.collection.Materialize(c.Request.Context(), c.Param("hash"))
	if err != nil {
		abortWithError(c, err)
		return
	}
	defer entry.Release()

	acquireCtx, cancel := context.WithTimeout(c.Request.Context(), s.cfg.Worker.AcquireTimeout.Duration())
	defer cancel()
	lease, err := s.pool.Acquire(acquireCtx, entry.Path, entry.Key)
	if err != nil {
		abortWithError(c, err)
		return
	}
	defer lease.Release()

	callCtx, cancelCall := context.WithTimeout(c.Request.Context(), s.cfg.Worker.CallTimeout.Duration())
	defer cancelCall()
	result, err := lease.Call(callCtx, c.Param("operation"), data)
	if err != nil {
		abortWithError(c, err)
		return
	}
	c.Data(http.StatusOK, "application/json", result)
}
