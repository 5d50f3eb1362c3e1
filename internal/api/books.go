package api

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"mime"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"

	"libraryhub/internal/api/middleware"
	"libraryhub/internal/model"
	"libraryhub/internal/pkg/apperror"
	"libraryhub/internal/pkg/metrics"
	"libraryhub/internal/pkg/response"
	"libraryhub/internal/pkg/storage"
	"libraryhub/internal/pkg/validate"
	"libraryhub/internal/store"

	"github.com/gin-gonic/gin"
)

const (
	coverFolder = "covers"
	ebookFolder = "ebooks"
	maxPageSize = 100
	pdfType     = "application/pdf"
	sniffLen    = 512
)

// coverTypes 允许的封面类型及保存时使用的扩展名，类型以文件内容嗅探结果为准。
var coverTypes = map[string]string{
	"image/jpeg": ".jpg",
	"image/png":  ".png",
	"image/webp": ".webp",
	"image/gif":  ".gif",
}

// createBookRequest 新建图书的 multipart 表单字段。
type createBookRequest struct {
	Title           string `form:"title" binding:"required,max=255"`
	Author          string `form:"author" binding:"required,max=255"`
	ISBN            string `form:"isbn" binding:"required,isbn"`
	Genre           string `form:"genre" binding:"required,max=100"`
	PublicationYear *int   `form:"publicationYear" binding:"required,min=0"`
	RFIDTag         string `form:"rfidTag" binding:"required,max=64"`
	IsPremium       *bool  `form:"isPremium" binding:"required"`
	Publisher       string `form:"publisher" binding:"required,max=255"`
	Language        string `form:"language" binding:"required,max=64"`
	Edition         string `form:"edition" binding:"omitempty,max=64"`
	Quantity        *int   `form:"quantity" binding:"required,min=1"`
	Availability    *bool  `form:"availability" binding:"required"`
}

// updateBookRequest 只更新出现的字段。
type updateBookRequest struct {
	Title           *string `json:"title" binding:"omitempty,max=255"`
	Author          *string `json:"author" binding:"omitempty,max=255"`
	ISBN            *string `json:"isbn" binding:"omitempty,isbn"`
	Genre           *string `json:"genre" binding:"omitempty,max=100"`
	PublicationYear *int    `json:"publicationYear" binding:"omitempty,min=0"`
	RFIDTag         *string `json:"rfidTag" binding:"omitempty,max=64"`
	IsPremium       *bool   `json:"isPremium"`
	Publisher       *string `json:"publisher" binding:"omitempty,max=255"`
	Language        *string `json:"language" binding:"omitempty,max=64"`
	Edition         *string `json:"edition" binding:"omitempty,max=64"`
	Quantity        *int    `json:"quantity" binding:"omitempty,min=1"`
	Availability    *bool   `json:"availability"`
}

// handleCreateBook 新建图书并上传封面（必填）与电子书（可选，PDF）。
//
// 唯一性检查在上传之前完成；上传或写库失败时删除已上传的文件，
// 保证失败的请求不会在对象存储中留下孤儿文件。
func (s *Server) handleCreateBook(c *gin.Context) {
	ctx := c.Request.Context()

	var req createBookRequest
	if err := c.ShouldBind(&req); err != nil {
		appErr := validate.FromBinding(err)
		appErr.Message = "Required fields are missing or invalid."
		_ = c.Error(appErr)
		return
	}
	trimBookRequest(&req)
	if req.Title == "" || req.Author == "" || req.Genre == "" || req.RFIDTag == "" || req.Publisher == "" || req.Language == "" {
		_ = c.Error(apperror.BadRequest("Required fields are missing or invalid."))
		return
	}

	image, err := c.FormFile("image")
	if err != nil || image == nil {
		_ = c.Error(apperror.BadRequest("Image is required"))
		return
	}
	coverType, err := sniff(image)
	if err != nil {
		_ = c.Error(apperror.Wrap(err, http.StatusBadRequest, "Invalid image upload"))
		return
	}
	coverExt, ok := coverTypes[coverType]
	if !ok {
		_ = c.Error(apperror.BadRequest("Image must be a JPEG, PNG, WebP or GIF"))
		return
	}

	ebook, err := c.FormFile("file")
	if err != nil && !errors.Is(err, http.ErrMissingFile) {
		_ = c.Error(apperror.BadRequest("Invalid file upload"))
		return
	}
	if ebook != nil {
		kind, err := sniff(ebook)
		if err != nil || kind != pdfType || !isPDF(ebook) {
			_ = c.Error(apperror.BadRequest("File must be a PDF"))
			return
		}
	}

	isbn := validate.NormalizeISBN(req.ISBN)
	if taken, err := s.books.ExistsISBN(ctx, isbn, 0); err != nil {
		_ = c.Error(apperror.Internal(err, ""))
		return
	} else if taken {
		_ = c.Error(apperror.BadRequest("ISBN already exists"))
		return
	}
	if taken, err := s.books.ExistsRFID(ctx, req.RFIDTag, 0); err != nil {
		_ = c.Error(apperror.Internal(err, ""))
		return
	} else if taken {
		_ = c.Error(apperror.BadRequest("RFID Tag already exists"))
		return
	}

	cover, err := s.upload(ctx, coverFolder, image, coverType, coverExt)
	if err != nil {
		_ = c.Error(apperror.Internal(err, "Failed to upload image"))
		return
	}
	uploaded := []string{cover.Key}

	book := &model.Book{
		Title:           req.Title,
		Author:          req.Author,
		ISBN:            isbn,
		Genre:           req.Genre,
		PublicationYear: *req.PublicationYear,
		RFIDTag:         req.RFIDTag,
		IsPremium:       *req.IsPremium,
		Publisher:       req.Publisher,
		Language:        req.Language,
		Edition:         req.Edition,
		Quantity:        *req.Quantity,
		Availability:    *req.Availability,
		Image:           cover.URL,
		ImageKey:        cover.Key,
	}

	if ebook != nil {
		doc, err := s.upload(ctx, ebookFolder, ebook, pdfType, ".pdf")
		if err != nil {
			s.discard(ctx, uploaded...)
			_ = c.Error(apperror.Internal(err, "Failed to upload file"))
			return
		}
		uploaded = append(uploaded, doc.Key)
		book.File = doc.URL
		book.FileKey = doc.Key
	}

	if err := s.books.Create(ctx, book); err != nil {
		s.discard(ctx, uploaded...)
		metrics.BookUploadRollbacksTotal.Inc()
		if errors.Is(err, store.ErrDuplicate) {
			_ = c.Error(apperror.Wrap(err, http.StatusConflict, "ISBN or RFID Tag already exists"))
			return
		}
		_ = c.Error(apperror.Internal(err, "Failed to create book"))
		return
	}

	if id, ok := middleware.IdentityFrom(ctx); ok {
		s.logger.Info("book created",
			slog.Uint64("book_id", uint64(book.ID)),
			slog.Uint64("user_id", uint64(id.UserID)),
			slog.String("isbn", book.ISBN),
		)
	}
	response.JSON(c, http.StatusCreated, "Book created successfully", book)
}

// handleListBooks 按创建时间倒序返回图书，支持 genre / author / available 过滤与分页。
func (s *Server) handleListBooks(c *gin.Context) {
	filter := store.BookFilter{
		Genre:  strings.TrimSpace(c.Query("genre")),
		Author: strings.TrimSpace(c.Query("author")),
		Limit:  parseQueryInt(c, "limit", 0),
		Offset: parseQueryInt(c, "offset", 0),
	}
	if raw := c.Query("available"); raw != "" {
		available, err := strconv.ParseBool(raw)
		if err != nil {
			_ = c.Error(apperror.BadRequest("available must be true or false"))
			return
		}
		filter.Available = &available
	}
	if filter.Limit < 0 {
		filter.Limit = 0
	}
	if filter.Limit > maxPageSize {
		filter.Limit = maxPageSize
	}
	if filter.Offset < 0 {
		filter.Offset = 0
	}

	books, err := s.books.List(c.Request.Context(), filter)
	if err != nil {
		_ = c.Error(apperror.Internal(err, ""))
		return
	}
	response.JSON(c, http.StatusOK, "Books retrieved successfully", books)
}

func (s *Server) handleGetBook(c *gin.Context) {
	id, ok := bookID(c)
	if !ok {
		return
	}
	book, err := s.books.FindByID(c.Request.Context(), id)
	if err != nil {
		_ = c.Error(bookLookupError(err))
		return
	}
	response.JSON(c, http.StatusOK, "Book retrieved successfully", book)
}

func (s *Server) handleUpdateBook(c *gin.Context) {
	id, ok := bookID(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()

	var req updateBookRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		_ = c.Error(validate.FromBinding(err))
		return
	}

	current, err := s.books.FindByID(ctx, id)
	if err != nil {
		_ = c.Error(bookLookupError(err))
		return
	}

	updates := map[string]interface{}{}
	setString := func(column string, v *string) bool {
		if v == nil {
			return true
		}
		trimmed := strings.TrimSpace(*v)
		if trimmed == "" && column != "edition" {
			_ = c.Error(apperror.BadRequest(column + " cannot be empty"))
			return false
		}
		updates[column] = trimmed
		return true
	}
	for column, v := range map[string]*string{
		"title":     req.Title,
		"author":    req.Author,
		"genre":     req.Genre,
		"publisher": req.Publisher,
		"language":  req.Language,
		"edition":   req.Edition,
	} {
		if !setString(column, v) {
			return
		}
	}

	if req.ISBN != nil {
		isbn := validate.NormalizeISBN(*req.ISBN)
		if isbn != current.ISBN {
			taken, err := s.books.ExistsISBN(ctx, isbn, id)
			if err != nil {
				_ = c.Error(apperror.Internal(err, ""))
				return
			}
			if taken {
				_ = c.Error(apperror.Conflict("ISBN already exists"))
				return
			}
			updates["isbn"] = isbn
		}
	}
	if req.RFIDTag != nil {
		tag := strings.TrimSpace(*req.RFIDTag)
		if tag == "" {
			_ = c.Error(apperror.BadRequest("rfidTag cannot be empty"))
			return
		}
		if tag != current.RFIDTag {
			taken, err := s.books.ExistsRFID(ctx, tag, id)
			if err != nil {
				_ = c.Error(apperror.Internal(err, ""))
				return
			}
			if taken {
				_ = c.Error(apperror.Conflict("RFID Tag already exists"))
				return
			}
			updates["rfid_tag"] = tag
		}
	}
	if req.PublicationYear != nil {
		updates["publication_year"] = *req.PublicationYear
	}
	if req.Quantity != nil {
		updates["quantity"] = *req.Quantity
	}
	if req.IsPremium != nil {
		updates["is_premium"] = *req.IsPremium
	}
	if req.Availability != nil {
		updates["availability"] = *req.Availability
	}

	book, err := s.books.Update(ctx, id, updates)
	if err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			_ = c.Error(apperror.Wrap(err, http.StatusConflict, "ISBN or RFID Tag already exists"))
			return
		}
		_ = c.Error(bookLookupError(err))
		return
	}
	response.JSON(c, http.StatusOK, "Book updated successfully", book)
}

func (s *Server) handleDeleteBook(c *gin.Context) {
	id, ok := bookID(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	book, err := s.books.Delete(ctx, id)
	if err != nil {
		_ = c.Error(bookLookupError(err))
		return
	}
	s.discard(ctx, book.ImageKey, book.FileKey)
	response.JSON(c, http.StatusOK, "Book deleted successfully", book)
}

// upload 把表单文件写入对象存储，扩展名与类型由服务端决定，不使用客户端文件名。
func (s *Server) upload(ctx context.Context, folder string, fh *multipart.FileHeader, contentType, ext string) (*storage.Object, error) {
	f, err := fh.Open()
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return s.files.Put(ctx, folder, "upload"+ext, f, fh.Size, contentType)
}

// sniff 读取文件头部，按内容判断真实类型。
func sniff(fh *multipart.FileHeader) (string, error) {
	f, err := fh.Open()
	if err != nil {
		return "", err
	}
	defer f.Close()
	head := make([]byte, sniffLen)
	n, err := io.ReadFull(f, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return "", err
	}
	return http.DetectContentType(head[:n]), nil
}

// discard 尽力删除已上传的对象，失败只记录日志。
func (s *Server) discard(ctx context.Context, keys ...string) {
	ctx = context.WithoutCancel(ctx)
	for _, key := range keys {
		if key == "" {
			continue
		}
		if err := s.files.Delete(ctx, key); err != nil {
			s.logger.Warn("delete stored object failed",
				slog.String("key", key),
				slog.String("error", err.Error()),
			)
		}
	}
}

func bookID(c *gin.Context) (uint, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || id == 0 {
		_ = c.Error(apperror.BadRequest("Invalid book id"))
		return 0, false
	}
	return uint(id), true
}

func bookLookupError(err error) error {
	if errors.Is(err, store.ErrNotFound) {
		return apperror.Wrap(err, http.StatusNotFound, "Book not found")
	}
	return apperror.Internal(err, "")
}

func isPDF(fh *multipart.FileHeader) bool {
	mediaType, _, err := mime.ParseMediaType(fh.Header.Get("Content-Type"))
	return err == nil && mediaType == pdfType
}

func trimBookRequest(req *createBookRequest) {
	for _, field := range []*string{
		&req.Title, &req.Author, &req.ISBN, &req.Genre, &req.RFIDTag,
		&req.Publisher, &req.Language, &req.Edition,
	} {
		*field = strings.TrimSpace(*field)
	}
}
