package attachments

import (
	"fmt"
	"io"
	"net/http"
	"path"
	"strconv"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/chirino/messaging-service/internal/messaging"
	registryroute "github.com/chirino/messaging-service/internal/registry/route"
	"github.com/gin-gonic/gin"
)

func init() {
	registryroute.Register(registryroute.Plugin{
		Order:  120,
		Loader: MountRoutes,
	})
}

// MountRoutes mounts attachment upload and blob download routes.
func MountRoutes(r *gin.Engine, env *registryroute.Env) error {
	v1 := r.Group("/v1", env.Auth)
	v1.POST("/conversations/:conversationId/messages/:messageId/attachments", func(c *gin.Context) {
		upload(c, env)
	})
	v1.GET("/blobs/*path", func(c *gin.Context) {
		download(c, env)
	})
	return nil
}

func upload(c *gin.Context, env *registryroute.Env) {
	file, header, err := c.Request.FormFile("file")
	if err != nil {
		registryroute.BadRequest(c, "file", fmt.Errorf("file is required"))
		return
	}
	defer file.Close()

	convID := c.Param("conversationId")
	desc, err := env.Session(c).Upload(c.Request.Context(), convID, c.Param("messageId"), messaging.File{
		Name:        header.Filename,
		Size:        header.Size,
		ContentType: header.Header.Get("Content-Type"),
		Body:        file,
	}, func(percent int) {
		if percent%25 == 0 {
			log.Debug("Attachment upload progress", "conversation", convID, "name", header.Filename, "percent", percent)
		}
	})
	if err != nil {
		registryroute.HandleError(c, err)
		return
	}
	c.JSON(http.StatusCreated, desc)
}

func download(c *gin.Context, env *registryroute.Env) {
	key := strings.TrimPrefix(c.Param("path"), "/")
	dl, err := env.Session(c).OpenBlob(c.Request.Context(), key)
	if err != nil {
		registryroute.HandleError(c, err)
		return
	}
	if dl.Redirect != nil {
		c.Redirect(http.StatusFound, dl.Redirect.String())
		return
	}
	blob := dl.Blob
	defer blob.Body.Close()

	contentType := blob.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	c.Header("Content-Type", contentType)
	if blob.Size > 0 {
		c.Header("Content-Length", strconv.FormatInt(blob.Size, 10))
	}
	c.Header("Content-Disposition", fmt.Sprintf("inline; filename=%q", displayName(key)))
	c.Status(http.StatusOK)
	if _, err := io.Copy(c.Writer, blob.Body); err != nil {
		log.Warn("Blob download interrupted", "key", key, "err", err)
	}
}

// displayName strips the upload timestamp from the last key segment.
func displayName(key string) string {
	name := path.Base(key)
	if _, rest, ok := strings.Cut(name, "_"); ok && rest != "" {
		return rest
	}
	return name
}
