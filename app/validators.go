package app

import (
	"sync"

	"github.com/gin-gonic/gin/binding"
	"github.com/go-playground/validator/v10"

	"Gin_postgres_redis_laptop_checkout/loans"
)

var registerOnce sync.Once

// RegisterValidators 给 binding 加上 classname / assettag 两个 tag
func RegisterValidators() {
	registerOnce.Do(func() {
		v, ok := binding.Validator.Engine().(*validator.Validate)
		if !ok {
			return
		}
		_ = v.RegisterValidation("classname", func(fl validator.FieldLevel) bool {
			_, err := loans.CanonicalClassName(fl.Field().String())
			return err == nil
		})
		_ = v.RegisterValidation("assettag", func(fl validator.FieldLevel) bool {
			_, err := loans.NormalizeTag(fl.Field().String())
			return err == nil
		})
	})
}
