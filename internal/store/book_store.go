package store

import (
	"context"
	"fmt"

	"libraryhub/internal/model"

	"gorm.io/gorm"
)

// BookFilter 列表查询条件。
type BookFilter struct {
	Genre     string
	Author    string
	Available *bool
	Limit     int
	Offset    int
}

// BookStore 基于 gorm 的图书存储。
type BookStore struct {
	db *gorm.DB
}

func NewBookStore(db *gorm.DB) *BookStore {
	return &BookStore{db: db}
}

// Create 新建图书，ISBN / RFID 冲突时返回 ErrDuplicate。
func (s *BookStore) Create(ctx context.Context, book *model.Book) error {
	if err := s.db.WithContext(ctx).Create(book).Error; err != nil {
		return fmt.Errorf("create book: %w", translate(err))
	}
	return nil
}

// FindByID 按 ID 查询图书。
func (s *BookStore) FindByID(ctx context.Context, id uint) (*model.Book, error) {
	var book model.Book
	if err := s.db.WithContext(ctx).First(&book, id).Error; err != nil {
		return nil, translate(err)
	}
	return &book, nil
}

// ExistsISBN 判断 ISBN 是否已被其他图书占用，excludeID 为 0 时不排除。
func (s *BookStore) ExistsISBN(ctx context.Context, isbn string, excludeID uint) (bool, error) {
	return s.exists(ctx, "isbn = ?", isbn, excludeID)
}

// ExistsRFID 判断 RFID 标签是否已被其他图书占用。
func (s *BookStore) ExistsRFID(ctx context.Context, tag string, excludeID uint) (bool, error) {
	return s.exists(ctx, "rfid_tag = ?", tag, excludeID)
}

func (s *BookStore) exists(ctx context.Context, cond string, value string, excludeID uint) (bool, error) {
	var count int64
	q := s.db.WithContext(ctx).Model(&model.Book{}).Where(cond, value)
	if excludeID != 0 {
		q = q.Where("id <> ?", excludeID)
	}
	if err := q.Count(&count).Error; err != nil {
		return false, err
	}
	return count > 0, nil
}

// List 按创建时间倒序返回图书。
func (s *BookStore) List(ctx context.Context, filter BookFilter) ([]model.Book, error) {
	books := []model.Book{}
	q := s.db.WithContext(ctx).Model(&model.Book{})
	if filter.Genre != "" {
		q = q.Where("genre = ?", filter.Genre)
	}
	if filter.Author != "" {
		q = q.Where("author = ?", filter.Author)
	}
	if filter.Available != nil {
		q = q.Where("availability = ?", *filter.Available)
	}
	if filter.Limit > 0 {
		q = q.Limit(filter.Limit)
	}
	if filter.Offset > 0 {
		q = q.Offset(filter.Offset)
	}
	if err := q.Order("id DESC").Find(&books).Error; err != nil {
		return nil, err
	}
	return books, nil
}

// Update 更新指定字段并返回最新的图书。
func (s *BookStore) Update(ctx context.Context, id uint, updates map[string]interface{}) (*model.Book, error) {
	if _, err := s.FindByID(ctx, id); err != nil {
		return nil, err
	}
	if len(updates) > 0 {
		if err := s.db.WithContext(ctx).Model(&model.Book{}).Where("id = ?", id).Updates(updates).Error; err != nil {
			return nil, fmt.Errorf("update book: %w", translate(err))
		}
	}
	return s.FindByID(ctx, id)
}

// Delete 删除图书并返回被删除的记录。
func (s *BookStore) Delete(ctx context.Context, id uint) (*model.Book, error) {
	book, err := s.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	res := s.db.WithContext(ctx).Delete(&model.Book{}, id)
	if res.Error != nil {
		return nil, fmt.Errorf("delete book: %w", translate(res.Error))
	}
	if res.RowsAffected == 0 {
		return nil, ErrNotFound
	}
	return book, nil
}
