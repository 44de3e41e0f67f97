package controllers

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"Gin_postgres_redis_laptop_checkout/app"
	"Gin_postgres_redis_laptop_checkout/blob"
	"Gin_postgres_redis_laptop_checkout/loans"
	"Gin_postgres_redis_laptop_checkout/models"
)

type LoanController struct{ *Srv }

func GetLoanController(s *Srv) *LoanController { return &LoanController{Srv: s} }

type createLoanReq struct {
	StudentName    string `json:"studentName" binding:"required,max=100"`
	StudentNo      int    `json:"studentNo" binding:"required,min=1,max=99"`
	ClassName      string `json:"className" binding:"required,classname"`
	Email          string `json:"email" binding:"omitempty,email"`
	StudentContact string `json:"studentContact" binding:"max=50"`
	Purpose        string `json:"purpose" binding:"required,max=50"`
	PurposeDetail  string `json:"purposeDetail" binding:"max=500"`
	ReturnDate     string `json:"returnDate"`
	DueDate        string `json:"dueDate" binding:"required"`
	DeviceTag      string `json:"deviceTag" binding:"omitempty,assettag"`
	Signature      string `json:"signature"`
	Notes          string `json:"notes" binding:"max=1000"`
}

// POST /api/loans
func (lc *LoanController) Create(c *gin.Context) {
	var in createLoanReq
	if err := c.ShouldBindJSON(&in); err != nil {
		badRequest(c, err)
		return
	}
	v, err := lc.Loans.Create(c.Request.Context(), actor(c), loans.CreateInput{
		StudentName:    in.StudentName,
		StudentNo:      in.StudentNo,
		ClassName:      in.ClassName,
		Email:          in.Email,
		StudentContact: in.StudentContact,
		Purpose:        in.Purpose,
		PurposeDetail:  in.PurposeDetail,
		DueDate:        in.DueDate,
		ReturnDate:     in.ReturnDate,
		DeviceTag:      in.DeviceTag,
		Notes:          in.Notes,
		Signature:      in.Signature,
	})
	if err != nil {
		app.RespondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, v)
}

// GET /api/loans?status=&className=&email=&deviceTag=&limit=&offset=
func (lc *LoanController) List(c *gin.Context) {
	res, err := lc.Loans.List(c.Request.Context(), actor(c), loans.ListQuery{
		ClassName: c.Query("className"),
		Status:    c.Query("status"),
		Email:     c.Query("email"),
		DeviceTag: c.Query("deviceTag"),
		Page:      page(c),
	})
	if err != nil {
		app.RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// GET /api/loans/overdue?className=
func (lc *LoanController) Overdue(c *gin.Context) {
	res, err := lc.Loans.Overdue(c.Request.Context(), actor(c), c.Query("className"), page(c))
	if err != nil {
		app.RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// GET /api/loans/:id
func (lc *LoanController) Get(c *gin.Context) {
	v, err := lc.Loans.Get(c.Request.Context(), actor(c), c.Param("id"))
	if err != nil {
		app.RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, v)
}

type transitionReq struct {
	ID         string `json:"id" binding:"required"`
	Status     string `json:"status" binding:"required"`
	DeviceTag  string `json:"device_tag" binding:"omitempty,assettag"`
	ApprovedBy string `json:"approved_by" binding:"max=200"`
	Notes      string `json:"notes" binding:"max=1000"`
	Signature  string `json:"signature"`
	Condition  string `json:"condition" binding:"max=1000"`
	Damaged    bool   `json:"damaged"`
}

// PATCH /api/loans
func (lc *LoanController) Transition(c *gin.Context) {
	var in transitionReq
	if err := c.ShouldBindJSON(&in); err != nil {
		badRequest(c, err)
		return
	}
	res, err := lc.Loans.Transition(c.Request.Context(), actor(c), loans.TransitionInput{
		ID:         in.ID,
		Status:     models.LoanStatus(in.Status),
		DeviceTag:  in.DeviceTag,
		ApprovedBy: in.ApprovedBy,
		Notes:      in.Notes,
		Signature:  in.Signature,
		Condition:  in.Condition,
		Damaged:    in.Damaged,
	})
	if err != nil {
		app.RespondError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

// GET /api/loans/:id/signatures/:kind  kind = request | pickup | return
func (lc *LoanController) Signature(c *gin.Context) {
	ctx := c.Request.Context()
	v, err := lc.Loans.Get(ctx, actor(c), c.Param("id"))
	if err != nil {
		app.RespondError(c, err)
		return
	}
	var key string
	switch c.Param("kind") {
	case "request":
		key = v.Signature
	case "pickup":
		key = v.PickupSignature
	case "return":
		key = v.ReturnSignature
	default:
		app.Fail(c, http.StatusBadRequest, string(loans.KindValidation), "kind must be request, pickup or return")
		return
	}
	if key == "" {
		app.Fail(c, http.StatusNotFound, string(loans.KindNotFound), "no signature recorded")
		return
	}

	url, info, body, err := lc.App.Signatures.Open(ctx, key)
	if errors.Is(err, blob.ErrNotFound) {
		app.Fail(c, http.StatusNotFound, string(loans.KindNotFound), "signature not found")
		return
	}
	if err != nil {
		app.RespondError(c, err)
		return
	}
	if url != "" {
		c.Redirect(http.StatusFound, url)
		return
	}
	defer body.Close()
	c.Header("Cache-Control", "private, max-age=300")
	c.DataFromReader(http.StatusOK, info.Size, info.ContentType, io.Reader(body), nil)
}
