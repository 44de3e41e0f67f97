package controllers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"Gin_postgres_redis_laptop_checkout/app"
	"Gin_postgres_redis_laptop_checkout/loans"
	"Gin_postgres_redis_laptop_checkout/models"
)

type DeviceController struct{ *Srv }

func GetDeviceController(s *Srv) *DeviceController { return &DeviceController{Srv: s} }

// GET /api/devices?status=&className=&q=&limit=&offset=
func (dc *DeviceController) List(c *gin.Context) {
	res, err := dc.Loans.ListDevices(c.Request.Context(), loans.DeviceQuery{
		Status: c.Query("status"),
		Class:  c.Query("className"),
		Query:  c.Query("q"),
		Page:   page(c),
	})
	if err != nil {
		app.RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// GET /api/devices/:tag
func (dc *DeviceController) Get(c *gin.Context) {
	d, err := dc.Loans.GetDevice(c.Request.Context(), c.Param("tag"))
	if err != nil {
		app.RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, d)
}

type updateDeviceReq struct {
	DeviceTag   string  `json:"deviceTag" binding:"required,assettag"`
	Status      *string `json:"status" binding:"omitempty,oneof=available loaned maintenance"`
	CurrentUser *string `json:"currentUser" binding:"omitempty,max=200"`
	Notes       *string `json:"notes" binding:"omitempty,max=1000"`
}

// PATCH /api/devices
func (dc *DeviceController) Update(c *gin.Context) {
	var in updateDeviceReq
	if err := c.ShouldBindJSON(&in); err != nil {
		badRequest(c, err)
		return
	}
	upd := loans.DeviceUpdate{Tag: in.DeviceTag, CurrentUser: in.CurrentUser, Notes: in.Notes}
	if in.Status != nil {
		st := models.DeviceStatus(*in.Status)
		upd.Status = &st
	}
	d, err := dc.Loans.UpdateDevice(c.Request.Context(), actor(c), upd)
	if err != nil {
		app.RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, d)
}

// POST /api/devices/seed  按编排文件补齐缺少的设备
func (dc *DeviceController) Seed(c *gin.Context) {
	n, err := dc.Loans.Seed(c.Request.Context(), actor(c), dc.App.Layout)
	if err != nil {
		app.RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, app.H{"created": n})
}
