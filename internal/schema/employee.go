// Package schema declares the migration definitions this service knows how
// to run. Importing the package (blank import from cmd/server) registers
// every definition; bad declarations panic at startup.
package schema

import "github.com/nvqhuy/xlsmigrate/internal/core"

func init() {
	core.Register(Employee())
}

// Employee is the HR master-data migration: one workbook row per employee,
// feeding the don_vi reference table and the nhan_vien fact table.
func Employee() core.MigrationDefinition {
	desc := core.MustDescriptor([]core.FieldBinding{
		{
			Name:     "maDonVi",
			Column:   "Mã đơn vị",
			Position: "A",
			Required: true,
			MaxLen:   20,
		},
		{
			Name:     "tenDonVi",
			Column:   "Tên đơn vị",
			Position: "B",
			MaxLen:   200,
		},
		{
			Name:     "maNhanVien",
			Column:   "Mã nhân viên",
			Position: "C",
			Required: true,
			Key:      true,
			MaxLen:   20,
		},
		{
			Name:     "hoTen",
			Column:   "Họ tên",
			Position: "D",
			Required: true,
			MaxLen:   100,
		},
		{
			// Name-based promotion types this as an identifier, so values
			// like 001234567890 keep their leading zeros.
			Name:     "cmnd",
			Column:   "Số CMND/CCCD",
			Position: "E",
			MaxLen:   12,
		},
		{
			Name:     "ngaySinh",
			Column:   "Ngày sinh",
			Position: "F",
			Type:     core.FieldDate,
		},
		{
			Name:     "ngayVaoLam",
			Column:   "Ngày vào làm",
			Position: "G",
			Required: true,
			Type:     core.FieldDate,
		},
		{
			Name:     "ngayNghiViec",
			Column:   "Ngày nghỉ việc",
			Position: "H",
			Type:     core.FieldDate,
		},
		{
			Name:     "soDienThoai",
			Column:   "Số điện thoại",
			Position: "I",
			MaxLen:   15,
		},
		{
			Name:     "email",
			Column:   "Email",
			Position: "J",
			MaxLen:   100,
		},
		{
			Name:       "loaiHopDong",
			Column:     "Loại hợp đồng",
			Position:   "K",
			Type:       core.FieldEnum,
			EnumValues: []string{"CHINH_THUC", "THU_VIEC", "THOI_VU", "KHOAN"},
		},
		{
			Name:     "luongCoBan",
			Column:   "Lương cơ bản",
			Position: "L",
			Type:     core.FieldNumeric,
		},
	})

	return core.MigrationDefinition{
		Key:        "employee",
		Label:      "Employee master data",
		Descriptor: desc,
		Rules: []core.RowRule{
			core.DateOrderRule("ngayVaoLam", "ngayNghiViec"),
		},
		Targets: []core.ApplyTarget{
			{
				Name:        "don_vi",
				Table:       "don_vi",
				Columns:     []string{"ma_don_vi", "ten_don_vi"},
				Fields:      []string{"maDonVi", "tenDonVi"},
				ConflictKey: []string{"ma_don_vi"},
				Distinct:    true,
			},
			{
				Name:      "nhan_vien",
				Table:     "nhan_vien",
				DependsOn: []string{"don_vi"},
				Columns: []string{
					"ma_nhan_vien", "ho_ten", "ma_don_vi", "cmnd",
					"ngay_sinh", "ngay_vao_lam", "ngay_nghi_viec",
					"so_dien_thoai", "email", "loai_hop_dong", "luong_co_ban",
				},
				Fields: []string{
					"maNhanVien", "hoTen", "maDonVi", "cmnd",
					"ngaySinh", "ngayVaoLam", "ngayNghiViec",
					"soDienThoai", "email", "loaiHopDong", "luongCoBan",
				},
				ConflictKey: []string{"ma_nhan_vien"},
				Primary:     true,
			},
		},
	}
}
